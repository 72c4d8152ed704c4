// Package relay carries connection-setup messages between two peers that
// share a transfer code.
package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// Kind is the type of a signaling envelope.
type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
)

// ErrClosed is returned when publishing to or subscribing on a closed relay.
var ErrClosed = errors.New("relay is closed")

// Envelope is one signaling message. Payload is opaque to the relay.
type Envelope struct {
	Kind      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Code      string          `json:"code"`
	From      string          `json:"from,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Relay is a best-effort store-and-forward channel keyed by transfer code.
// A subscription first replays the recent history of the code, then streams
// new envelopes until ctx is done.
type Relay interface {
	Publish(ctx context.Context, code string, env Envelope) error
	Subscribe(ctx context.Context, code string) (<-chan Envelope, error)
}
