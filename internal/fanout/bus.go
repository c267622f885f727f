// Package fanout propagates merged updates between gateway instances over a
// shared pub/sub channel. Envelopes carry the publishing instance's id;
// an instance discards envelopes bearing its own id, so nothing it published
// is merged twice or republished.
package fanout

import (
	"context"
	"errors"
)

// Kind distinguishes envelope payloads.
type Kind string

const (
	// KindUpdate carries a CRDT update fragment.
	KindUpdate Kind = "update"
	// KindStateVector carries a state vector; holders of the document answer
	// with whatever the sender is missing.
	KindStateVector Kind = "state_vector"
)

// ErrBusDown indicates that the transport is unavailable.
var ErrBusDown = errors.New("fanout: bus unavailable")

// Envelope is the message exchanged between instances.
type Envelope struct {
	Origin     string `json:"origin"`
	Kind       Kind   `json:"kind"`
	DocumentID string `json:"document_id"`
	Payload    []byte `json:"payload,omitempty"`
}

// Bus is a broadcast transport shared by all instances.
type Bus interface {
	Publish(ctx context.Context, envelope Envelope) error
	// StartForwarder subscribes and calls onMessage for every envelope until
	// ctx ends. It returns once the subscription is established.
	StartForwarder(ctx context.Context, onMessage func(Envelope)) error
	Close() error
}
