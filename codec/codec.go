// Package codec provides event serialization for bus transports.
//
// Supported formats:
//   - JSON (default; the platform's flat single-object wire format)
//   - MessagePack (binary, compact)
package codec

import (
	"github.com/harborchat/eventbus"
)

// Codec serializes events for a durable transport. Implementations must be
// safe for concurrent use.
type Codec interface {
	// Encode serializes an event. Returns a *eventbus.SerializationError
	// if the event cannot be encoded.
	Encode(ev eventbus.Event) ([]byte, error)

	// Decode deserializes bytes back into a concrete event. Returns
	// eventbus.ErrUnknownEventType (wrapped) for unregistered
	// discriminators.
	Decode(data []byte) (eventbus.Event, error)

	// ContentType returns the MIME type for this codec.
	ContentType() string

	// Name returns a short identifier, e.g. "json" or "msgpack".
	Name() string
}

// Default returns the default codec (JSON).
func Default() Codec {
	return JSON{}
}
