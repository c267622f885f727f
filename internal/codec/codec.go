// Package codec defines the CRDT operations the gateway delegates to a codec
// implementation. The gateway only ever handles opaque byte blobs; merge
// semantics live behind the Codec interface, either in-process (Reference) or
// in a separate process reached through Bridge.
package codec

import (
	"context"
	"errors"
)

var (
	// ErrMalformed indicates that a state, update, or state vector could not be decoded.
	ErrMalformed = errors.New("codec: malformed payload")
	// ErrUnavailable indicates that the codec could not be reached or did not answer in time.
	ErrUnavailable = errors.New("codec: unavailable")
)

// Codec performs the CRDT-specific operations on opaque payloads.
//
// Merge must be associative and commutative over updates. Callers serialize
// calls per document; implementations may run calls for different documents
// concurrently.
type Codec interface {
	// Merge folds update into state and returns the new state.
	Merge(ctx context.Context, state, update []byte) ([]byte, error)
	// StateVector summarizes which updates state already contains.
	StateVector(ctx context.Context, state []byte) ([]byte, error)
	// Diff returns the minimal update that brings a replica at vector up to
	// state. A zero-length result means the replica is already up to date.
	Diff(ctx context.Context, state, vector []byte) ([]byte, error)
}

type documentKey struct{}

// ContextWithDocument annotates ctx with the document a codec call belongs to.
func ContextWithDocument(ctx context.Context, documentID string) context.Context {
	return context.WithValue(ctx, documentKey{}, documentID)
}

// DocumentFromContext returns the document annotated by ContextWithDocument.
func DocumentFromContext(ctx context.Context) string {
	documentID, _ := ctx.Value(documentKey{}).(string)
	return documentID
}

// IsPermanent reports whether err will not go away by retrying the same call.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrMalformed)
}
