package eventbus

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"serialization", &SerializationError{EventType: "message.created", Err: cause}, IsSerializationError},
		{"transport", &TransportError{Op: "publish", Err: cause}, IsTransportError},
		{"terminal", &TerminalConnectionError{Attempts: 20, Err: cause}, IsTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Error("classifier did not match its own error")
			}
			if !errors.Is(tt.err, cause) {
				t.Error("cause not reachable through Unwrap")
			}
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if !tt.check(wrapped) {
				t.Error("classifier did not match wrapped error")
			}
		})
	}

	t.Run("classifiers reject other errors", func(t *testing.T) {
		if IsSerializationError(cause) || IsTransportError(cause) || IsTerminal(cause) {
			t.Error("plain error misclassified")
		}
		if IsSerializationError(nil) || IsTransportError(nil) || IsTerminal(nil) {
			t.Error("nil misclassified")
		}
	})
}
