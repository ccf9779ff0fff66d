package codec

import (
	"github.com/harborchat/eventbus"
)

// JSON implements Codec using the platform wire format: a single flat JSON
// object with a "type" discriminator. This is the default codec.
type JSON struct{}

// Encode serializes an event to JSON.
func (JSON) Encode(ev eventbus.Event) ([]byte, error) {
	return eventbus.Marshal(ev)
}

// Decode deserializes JSON bytes into a concrete event.
func (JSON) Decode(data []byte) (eventbus.Event, error) {
	return eventbus.Unmarshal(data)
}

// ContentType returns the MIME type for JSON.
func (JSON) ContentType() string { return "application/json" }

// Name returns the codec identifier.
func (JSON) Name() string { return "json" }

// Compile-time check
var _ Codec = JSON{}
