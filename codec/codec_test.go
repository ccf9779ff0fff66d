package codec

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"

	"github.com/harborchat/eventbus"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

func TestCodecRoundTrip(t *testing.T) {
	ev := &eventbus.ToolResult{
		ConversationID: faker.Lorem().Word(),
		TurnID:         int64(faker.RandomInt(1, 100000)),
		ToolCallID:     eventbus.NewID(),
		Name:           "web_search",
	}

	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(ev)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			out, err := c.Decode(data)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !cmp.Equal(out, ev) {
				t.Errorf("diff : %v", cmp.Diff(out, ev))
			}
		})
	}
}

func TestCodecUnknownType(t *testing.T) {
	data, err := MsgPack{}.Encode(&eventbus.MessageCreated{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// Decoding garbage must not panic, and unknown discriminators must map
	// to the sentinel both codecs share.
	if _, err := (MsgPack{}).Decode(data[:len(data)/2]); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, err := (JSON{}).Decode([]byte(`{"type":"future.variant"}`)); !errors.Is(err, eventbus.ErrUnknownEventType) {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDefault(t *testing.T) {
	if Default().Name() != "json" {
		t.Errorf("default codec is %q, want json", Default().Name())
	}
	if (JSON{}).ContentType() != "application/json" {
		t.Error("unexpected json content type")
	}
	if (MsgPack{}).ContentType() != "application/msgpack" {
		t.Error("unexpected msgpack content type")
	}
}
