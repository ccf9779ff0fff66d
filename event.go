package eventbus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is a value describing something that happened inside the platform.
// Implementations are immutable value types that serialize to a single flat
// JSON object carrying a "type" discriminator.
type Event interface {
	// EventType returns the type discriminator, e.g. "message.created".
	EventType() string
}

// Built-in event type discriminators.
const (
	TypeMessageCreated = "message.created"
	TypeToolResult     = "tool.result"
	TypeScheduledTick  = "scheduled.tick"
	TypeCreditsUpdated = "credits.updated"
)

// MessageCreated signals that a chat message was persisted for a conversation
// turn and is ready for processing.
type MessageCreated struct {
	ConversationID string `json:"conversationId"`
	TurnID         int64  `json:"turnId"`
	MessageID      string `json:"messageId"`
}

func (*MessageCreated) EventType() string { return TypeMessageCreated }

// ToolResult signals that a tool invocation finished for a conversation turn.
type ToolResult struct {
	ConversationID string `json:"conversationId"`
	TurnID         int64  `json:"turnId"`
	ToolCallID     string `json:"toolCallId"`
	Name           string `json:"name"`
}

func (*ToolResult) EventType() string { return TypeToolResult }

// ScheduledTick signals that a scheduled item (reminder, meeting) fired for a
// conversation.
type ScheduledTick struct {
	ConversationID string    `json:"conversationId"`
	TurnID         int64     `json:"turnId"`
	ScheduleID     string    `json:"scheduleId"`
	FiredAt        time.Time `json:"firedAt"`
}

func (*ScheduledTick) EventType() string { return TypeScheduledTick }

// CreditsUpdated signals a credit-ledger change for an account. Credits is a
// string-encoded integer because balances exceed float64 precision.
type CreditsUpdated struct {
	UserID  string `json:"userId"`
	Credits string `json:"credits"`
}

func (*CreditsUpdated) EventType() string { return TypeCreditsUpdated }

// typeRegistry maps type discriminators to factories for decoding.
var (
	typeMu       sync.RWMutex
	typeRegistry = map[string]func() Event{
		TypeMessageCreated: func() Event { return &MessageCreated{} },
		TypeToolResult:     func() Event { return &ToolResult{} },
		TypeScheduledTick:  func() Event { return &ScheduledTick{} },
		TypeCreditsUpdated: func() Event { return &CreditsUpdated{} },
	}
)

// RegisterType adds an event variant to the decode registry. The factory must
// return a pointer to a fresh zero value. Registering an existing type
// replaces the previous factory.
func RegisterType(eventType string, factory func() Event) {
	typeMu.Lock()
	defer typeMu.Unlock()
	typeRegistry[eventType] = factory
}

// Factory returns the registered factory for a type discriminator, or nil.
// Alternative codecs use it to construct concrete events during decode.
func Factory(eventType string) func() Event {
	typeMu.RLock()
	defer typeMu.RUnlock()
	return typeRegistry[eventType]
}

// Marshal serializes an event to a single flat JSON object with the "type"
// discriminator as the first key. Returns a *SerializationError if the event
// cannot be encoded or does not encode to a JSON object.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, &SerializationError{EventType: ev.EventType(), Err: err}
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, &SerializationError{
			EventType: ev.EventType(),
			Err:       fmt.Errorf("event must encode to a JSON object, got %.20q", body),
		}
	}

	typeKey, err := json.Marshal(ev.EventType())
	if err != nil {
		return nil, &SerializationError{EventType: ev.EventType(), Err: err}
	}

	out := make([]byte, 0, len(body)+len(typeKey)+10)
	out = append(out, `{"type":`...)
	out = append(out, typeKey...)
	if bytes.Equal(body, []byte("{}")) {
		out = append(out, '}')
		return out, nil
	}
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Unmarshal decodes a JSON object produced by Marshal back into its concrete
// event type. Returns ErrUnknownEventType (wrapped) if the discriminator is
// not registered; consumers should ignore such events rather than fail.
func Unmarshal(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &SerializationError{Err: err}
	}
	if probe.Type == "" {
		return nil, &SerializationError{Err: fmt.Errorf("missing type discriminator")}
	}

	factory := Factory(probe.Type)
	if factory == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, probe.Type)
	}

	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, &SerializationError{EventType: probe.Type, Err: err}
	}
	return ev, nil
}
