// Package snapshots stores durable document snapshots keyed by document id.
//
// Every store offers compare-and-swap writes: Save succeeds only when the
// stored version still equals the version the caller last read, so writers on
// different instances can merge before retrying instead of overwriting each
// other.
package snapshots

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotFound indicates that no snapshot exists for the document.
	ErrNotFound = errors.New("snapshots: not found")
	// ErrConflict indicates that the stored version changed since it was read.
	ErrConflict = errors.New("snapshots: version conflict")
	// ErrCorrupt indicates that a stored snapshot failed its integrity check.
	ErrCorrupt = errors.New("snapshots: corrupt snapshot")
)

// NoVersion is the expected version for a document that has never been saved.
const NoVersion = ""

// Snapshot is the durable form of a document: merged state and its state vector.
type Snapshot struct {
	DocumentID  string
	State       []byte
	StateVector []byte
	// Version is opaque and store specific; pass it back to Save unchanged.
	Version   string
	UpdatedAt time.Time
}

// Store reads and conditionally writes snapshots.
type Store interface {
	Load(ctx context.Context, documentID string) (Snapshot, error)
	// Save writes snapshot if the stored version equals expectedVersion and
	// returns the new version. It returns ErrConflict otherwise.
	Save(ctx context.Context, snapshot Snapshot, expectedVersion string) (string, error)
}

// HashPayload is the integrity digest stored beside every snapshot.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps snapshots in process memory. It backs single-instance
// deployments with persistence disabled and tests.
type MemoryStore struct {
	mutex     sync.Mutex
	snapshots map[string]Snapshot
	counter   int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snapshots: make(map[string]Snapshot)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, documentID string) (Snapshot, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	snapshot, ok := m.snapshots[documentID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(snapshot), nil
}

// Save implements Store.
func (m *MemoryStore) Save(ctx context.Context, snapshot Snapshot, expectedVersion string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	current, ok := m.snapshots[snapshot.DocumentID]
	switch {
	case !ok && expectedVersion != NoVersion:
		return "", ErrConflict
	case ok && current.Version != expectedVersion:
		return "", ErrConflict
	}
	m.counter++
	stored := cloneSnapshot(snapshot)
	stored.Version = formatVersion(m.counter)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	m.snapshots[snapshot.DocumentID] = stored
	return stored.Version, nil
}

func cloneSnapshot(snapshot Snapshot) Snapshot {
	snapshot.State = append([]byte(nil), snapshot.State...)
	snapshot.StateVector = append([]byte(nil), snapshot.StateVector...)
	return snapshot
}
