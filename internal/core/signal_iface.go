package core

import (
	"context"
	"encoding/json"
)

// Frame is a raw signaling message.
type Frame []byte

// EventHandler receives the data of one inbound event.
type EventHandler func(data json.RawMessage)

// Signaling is the rendezvous channel of the room.
// Handlers registered with On run on the reader goroutine in arrival order
// and must not block on Request.
type Signaling interface {
	// Request sends event and waits for exactly one acknowledgement, decoding
	// it into out when out is non-nil. An acknowledgement carrying an error
	// field yields ErrSignaling.
	Request(ctx context.Context, event string, payload, out any) error
	// Emit is fire-and-forget.
	Emit(event string, payload any) error
	On(event string, handler EventHandler)
}
