package persistence

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type flakyStore struct {
	snapshots.Store
	mutex     sync.Mutex
	failSaves bool
	// raceOnce writes a competing snapshot right before the next Save.
	raceOnce func()
}

func (f *flakyStore) Save(ctx context.Context, snapshot snapshots.Snapshot, expectedVersion string) (string, error) {
	f.mutex.Lock()
	fail := f.failSaves
	race := f.raceOnce
	f.raceOnce = nil
	f.mutex.Unlock()
	if fail {
		return "", errors.New("disk full")
	}
	if race != nil {
		race()
	}
	return f.Store.Save(ctx, snapshot, expectedVersion)
}

func (f *flakyStore) setFailing(fail bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failSaves = fail
}

func mustPersister(t *testing.T, store snapshots.Store, logger *zap.Logger) *Persister {
	t.Helper()
	persister, err := New(Config{Store: store, Codec: codec.NewReference(), AlertThreshold: 2, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create persister: %v", err)
	}
	return persister
}

func item(client, clock uint64, content string) []byte {
	return codec.EncodeUpdate(codec.Item{Client: client, Clock: clock, Content: []byte(content)})
}

func TestLoadMissingSnapshotReturnsEmptyState(testContext *testing.T) {
	persister := mustPersister(testContext, snapshots.NewMemoryStore(), nil)
	state, err := persister.Load(context.Background(), "doc-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if len(state) != 0 {
		testContext.Fatalf("expected empty state, got %d bytes", len(state))
	}
}

func TestPersistRoundTripYieldsEmptyDiff(testContext *testing.T) {
	ctx := context.Background()
	reference := codec.NewReference()
	persister := mustPersister(testContext, snapshots.NewMemoryStore(), nil)

	original, err := reference.Merge(ctx, item(1, 0, "a"), item(2, 0, "b"))
	if err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}
	if _, err := persister.Persist(ctx, "doc-1", original); err != nil {
		testContext.Fatalf("persist failed: %v", err)
	}
	reloaded, err := persister.Load(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	vector, err := reference.StateVector(ctx, original)
	if err != nil {
		testContext.Fatalf("state vector failed: %v", err)
	}
	diff, err := reference.Diff(ctx, reloaded, vector)
	if err != nil {
		testContext.Fatalf("diff failed: %v", err)
	}
	if len(diff) != 0 {
		testContext.Fatalf("expected empty diff after round trip, got %d bytes", len(diff))
	}
}

func TestPersistMergesConcurrentWriter(testContext *testing.T) {
	ctx := context.Background()
	memory := snapshots.NewMemoryStore()
	store := &flakyStore{Store: memory}
	persister := mustPersister(testContext, store, nil)

	if _, err := persister.Persist(ctx, "doc-1", item(1, 0, "a")); err != nil {
		testContext.Fatalf("first persist failed: %v", err)
	}
	store.raceOnce = func() {
		current, err := memory.Load(ctx, "doc-1")
		if err != nil {
			testContext.Errorf("race load failed: %v", err)
			return
		}
		competingState, err := codec.NewReference().Merge(ctx, current.State, item(9, 0, "other-instance"))
		if err != nil {
			testContext.Errorf("race merge failed: %v", err)
			return
		}
		competing := snapshots.Snapshot{DocumentID: "doc-1", State: competingState}
		if _, err := memory.Save(ctx, competing, current.Version); err != nil {
			testContext.Errorf("race save failed: %v", err)
		}
	}

	roomState := codec.EncodeUpdate(
		codec.Item{Client: 1, Clock: 0, Content: []byte("a")},
		codec.Item{Client: 1, Clock: 1, Content: []byte("b")},
	)
	written, err := persister.Persist(ctx, "doc-1", roomState)
	if err != nil {
		testContext.Fatalf("persist failed: %v", err)
	}
	items, err := codec.DecodeUpdate(written)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	found := false
	for _, entry := range items {
		if entry.Client == 9 {
			found = true
		}
	}
	if !found || len(items) != 3 {
		testContext.Fatalf("expected union of both writers, got %d items", len(items))
	}

	stored, err := memory.Load(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if !bytes.Equal(stored.State, written) {
		testContext.Fatalf("expected stored state to equal returned state")
	}
}

func TestPersistFailuresRaiseAlert(testContext *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := &flakyStore{Store: snapshots.NewMemoryStore(), failSaves: true}
	persister := mustPersister(testContext, store, zap.New(core))
	ctx := context.Background()

	if _, err := persister.Persist(ctx, "doc-1", item(1, 0, "a")); err == nil {
		testContext.Fatalf("expected persist to fail")
	}
	if alerts := logs.FilterField(zap.Bool("alert", true)).Len(); alerts != 0 {
		testContext.Fatalf("expected no alert after one failing document, got %d", alerts)
	}
	_, err := persister.Persist(ctx, "doc-2", item(1, 0, "a"))
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "persistence.persist.save_failed" {
		testContext.Fatalf("expected save_failed service error, got %v", err)
	}
	if alerts := logs.FilterField(zap.Bool("alert", true)).Len(); alerts != 1 {
		testContext.Fatalf("expected alert once two documents fail, got %d", alerts)
	}
	if failing := persister.FailingDocuments(); failing != 2 {
		testContext.Fatalf("expected 2 failing documents, got %d", failing)
	}

	store.setFailing(false)
	if _, err := persister.Persist(ctx, "doc-1", item(1, 0, "a")); err != nil {
		testContext.Fatalf("persist after recovery failed: %v", err)
	}
	if failing := persister.FailingDocuments(); failing != 1 {
		testContext.Fatalf("expected recovery to clear doc-1, got %d failing", failing)
	}
}

func TestNewRequiresCollaborators(testContext *testing.T) {
	if _, err := New(Config{Codec: codec.NewReference()}); err == nil {
		testContext.Fatalf("expected error without store")
	}
	if _, err := New(Config{Store: snapshots.NewMemoryStore()}); err == nil {
		testContext.Fatalf("expected error without codec")
	}
}
