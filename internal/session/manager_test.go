package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
)

func mustPersister(t *testing.T, store snapshots.Store) *countingPersister {
	t.Helper()
	persister, err := persistence.New(persistence.Config{Store: store, Codec: codec.NewReference()})
	if err != nil {
		t.Fatalf("failed to create persister: %v", err)
	}
	return &countingPersister{Persister: persister}
}

func TestSubscribeSeedsRoomFromSnapshot(testContext *testing.T) {
	store := snapshots.NewMemoryStore()
	seed := fragment(1, 0, "seeded")
	if _, err := store.Save(context.Background(), snapshots.Snapshot{DocumentID: "doc-1", State: seed}, snapshots.NoVersion); err != nil {
		testContext.Fatalf("seed failed: %v", err)
	}
	broadcaster := newRecordingBroadcaster()
	manager := mustManager(testContext, Config{Persister: mustPersister(testContext, store), Broadcaster: broadcaster})

	peer := newRecordingPeer("peer-a")
	mustSubscribe(testContext, manager, "doc-1", peer)

	events := peer.snapshot()
	if len(events) != 1 || events[0].Kind != EventState || !events[0].Full {
		testContext.Fatalf("expected one full state event, got %+v", events)
	}
	if !bytes.Equal(events[0].Payload, seed) {
		testContext.Fatalf("expected seeded state to be delivered")
	}
	if manager.RoomState("doc-1") != RoomActive {
		testContext.Fatalf("expected active room, got %s", manager.RoomState("doc-1"))
	}
	if broadcaster.announcements("doc-1") != 1 {
		testContext.Fatalf("expected room activation to announce its state vector")
	}
}

func TestSubscribeWithVectorReceivesDiff(testContext *testing.T) {
	manager := mustManager(testContext, Config{})
	writer := newRecordingPeer("writer")
	mustSubscribe(testContext, manager, "doc-1", writer)
	ctx := context.Background()
	for clock := uint64(0); clock < 3; clock++ {
		if err := manager.ApplyUpdate(ctx, "doc-1", "writer", fragment(1, clock, "x")); err != nil {
			testContext.Fatalf("apply failed: %v", err)
		}
	}

	reference := codec.NewReference()
	peerVector, err := reference.StateVector(ctx, fragment(1, 0, "x"))
	if err != nil {
		testContext.Fatalf("state vector failed: %v", err)
	}
	reader := newRecordingPeer("reader")
	if err := manager.Subscribe(ctx, "doc-1", reader, peerVector); err != nil {
		testContext.Fatalf("subscribe failed: %v", err)
	}
	events := reader.snapshot()
	if len(events) != 1 || events[0].Full {
		testContext.Fatalf("expected a single diff event, got %+v", events)
	}
	items, err := codec.DecodeUpdate(events[0].Payload)
	if err != nil {
		testContext.Fatalf("decode diff failed: %v", err)
	}
	if len(items) != 2 {
		testContext.Fatalf("expected 2 missing items, got %d", len(items))
	}
}

func TestApplyUpdateBroadcastsToOtherPeersOnly(testContext *testing.T) {
	broadcaster := newRecordingBroadcaster()
	manager := mustManager(testContext, Config{Broadcaster: broadcaster})
	author := newRecordingPeer("author")
	reader := newRecordingPeer("reader")
	mustSubscribe(testContext, manager, "doc-1", author)
	mustSubscribe(testContext, manager, "doc-1", reader)

	update := fragment(1, 0, "hello")
	if err := manager.ApplyUpdate(context.Background(), "doc-1", "author", update); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}

	if author.count(EventUpdate) != 0 {
		testContext.Fatalf("expected no echo to the author")
	}
	if reader.count(EventUpdate) != 1 {
		testContext.Fatalf("expected reader to receive the update")
	}
	if broadcaster.published("doc-1") != 1 {
		testContext.Fatalf("expected update to be handed to fan-out")
	}
	if !bytes.Equal(mustState(testContext, manager, "doc-1"), update) {
		testContext.Fatalf("expected merged state to contain the update")
	}
}

func TestApplyUpdateRequiresSubscription(testContext *testing.T) {
	manager := mustManager(testContext, Config{})
	if err := manager.ApplyUpdate(context.Background(), "doc-1", "ghost", fragment(1, 0, "x")); !errors.Is(err, ErrNotSubscribed) {
		testContext.Fatalf("expected ErrNotSubscribed without room, got %v", err)
	}
	mustSubscribe(testContext, manager, "doc-1", newRecordingPeer("member"))
	if err := manager.ApplyUpdate(context.Background(), "doc-1", "ghost", fragment(1, 0, "x")); !errors.Is(err, ErrNotSubscribed) {
		testContext.Fatalf("expected ErrNotSubscribed for unknown peer, got %v", err)
	}
}

func TestFailingCodecIsolatedToDocument(testContext *testing.T) {
	broken := &brokenDocumentCodec{Codec: codec.NewReference(), broken: "doc-D"}
	broadcaster := newRecordingBroadcaster()
	manager := mustManager(testContext, Config{Codec: broken, Broadcaster: broadcaster, MergeAttempts: 3})
	peerD := newRecordingPeer("peer-d")
	peerD2 := newRecordingPeer("peer-d2")
	mustSubscribe(testContext, manager, "doc-D", peerD)
	mustSubscribe(testContext, manager, "doc-D2", peerD2)

	var wait sync.WaitGroup
	var failure error
	wait.Add(1)
	go func() {
		defer wait.Done()
		failure = manager.ApplyUpdate(context.Background(), "doc-D", "peer-d", fragment(1, 0, "lost"))
	}()
	for clock := uint64(0); clock < 5; clock++ {
		if err := manager.ApplyUpdate(context.Background(), "doc-D2", "peer-d2", fragment(2, clock, "ok")); err != nil {
			testContext.Fatalf("doc-D2 merge failed: %v", err)
		}
	}
	wait.Wait()

	if !errors.Is(failure, ErrMergeFailed) {
		testContext.Fatalf("expected ErrMergeFailed for doc-D, got %v", failure)
	}
	if attempts := broken.attempts.Load(); attempts != 3 {
		testContext.Fatalf("expected 3 merge attempts, got %d", attempts)
	}
	if len(mustState(testContext, manager, "doc-D")) != 0 {
		testContext.Fatalf("expected doc-D state to stay unchanged")
	}
	if broadcaster.published("doc-D") != 0 {
		testContext.Fatalf("failed update must not reach fan-out")
	}
	items, err := codec.DecodeUpdate(mustState(testContext, manager, "doc-D2"))
	if err != nil || len(items) != 5 {
		testContext.Fatalf("expected doc-D2 to merge all updates, got %d items (%v)", len(items), err)
	}
}

func TestMalformedUpdateIsNotRetried(testContext *testing.T) {
	counting := &brokenDocumentCodec{Codec: codec.NewReference()}
	manager := mustManager(testContext, Config{Codec: counting, MergeAttempts: 3})
	mustSubscribe(testContext, manager, "doc-1", newRecordingPeer("peer"))

	err := manager.ApplyUpdate(context.Background(), "doc-1", "peer", []byte{0x80})
	if !errors.Is(err, ErrMergeFailed) || !errors.Is(err, codec.ErrMalformed) {
		testContext.Fatalf("expected malformed merge failure, got %v", err)
	}
}

func TestDrainingRoomSurvivesQuickReconnect(testContext *testing.T) {
	persister := mustPersister(testContext, snapshots.NewMemoryStore())
	manager := mustManager(testContext, Config{Persister: persister, DrainGrace: 200 * time.Millisecond, PersistInterval: time.Hour})
	peer := newRecordingPeer("peer")
	mustSubscribe(testContext, manager, "doc-1", peer)
	if err := manager.ApplyUpdate(context.Background(), "doc-1", "peer", fragment(1, 0, "kept")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	before := mustState(testContext, manager, "doc-1")

	manager.Unsubscribe("doc-1", "peer")
	if manager.RoomState("doc-1") != RoomDraining {
		testContext.Fatalf("expected draining room, got %s", manager.RoomState("doc-1"))
	}
	returning := newRecordingPeer("peer-again")
	mustSubscribe(testContext, manager, "doc-1", returning)
	time.Sleep(300 * time.Millisecond)

	if manager.RoomState("doc-1") != RoomActive {
		testContext.Fatalf("expected room to stay active after reconnect, got %s", manager.RoomState("doc-1"))
	}
	events := returning.snapshot()
	if len(events) == 0 || !bytes.Equal(events[0].Payload, before) {
		testContext.Fatalf("expected reconnect to see the state present at disconnect")
	}
}

func TestEvictionPersistsFinalState(testContext *testing.T) {
	store := snapshots.NewMemoryStore()
	persister := mustPersister(testContext, store)
	manager := mustManager(testContext, Config{Persister: persister, DrainGrace: 20 * time.Millisecond, PersistInterval: time.Hour})
	ctx := context.Background()
	peer := newRecordingPeer("peer")
	mustSubscribe(testContext, manager, "doc-1", peer)
	for clock := uint64(0); clock < 3; clock++ {
		if err := manager.ApplyUpdate(ctx, "doc-1", "peer", fragment(1, clock, "w")); err != nil {
			testContext.Fatalf("apply failed: %v", err)
		}
	}
	final := mustState(testContext, manager, "doc-1")

	manager.Unsubscribe("doc-1", "peer")
	waitFor(testContext, "room eviction", func() bool {
		return manager.RoomState("doc-1") == RoomEmpty
	})

	stored, err := store.Load(ctx, "doc-1")
	if err != nil {
		testContext.Fatalf("expected snapshot after eviction: %v", err)
	}
	if !bytes.Equal(stored.State, final) {
		testContext.Fatalf("expected evicted state to be persisted")
	}

	returning := newRecordingPeer("returning")
	mustSubscribe(testContext, manager, "doc-1", returning)
	events := returning.snapshot()
	if len(events) != 1 || !bytes.Equal(events[0].Payload, final) {
		testContext.Fatalf("expected recreated room to be seeded from snapshot")
	}
}

func TestApplyRemoteDeliversLocallyWithoutRepublishing(testContext *testing.T) {
	broadcaster := newRecordingBroadcaster()
	manager := mustManager(testContext, Config{Broadcaster: broadcaster})
	first := newRecordingPeer("first")
	second := newRecordingPeer("second")
	mustSubscribe(testContext, manager, "doc-1", first)
	mustSubscribe(testContext, manager, "doc-1", second)

	update := fragment(5, 0, "remote")
	if !manager.ApplyRemote("doc-1", update) {
		testContext.Fatalf("expected remote update to be queued")
	}
	if !manager.ApplyRemote("doc-1", update) {
		testContext.Fatalf("expected duplicate remote update to be queued")
	}
	waitFor(testContext, "remote delivery", func() bool {
		return first.count(EventUpdate) == 1 && second.count(EventUpdate) == 1
	})
	if !bytes.Equal(mustState(testContext, manager, "doc-1"), update) {
		testContext.Fatalf("expected remote update merged")
	}
	if first.count(EventUpdate) != 1 {
		testContext.Fatalf("expected duplicate remote update to be suppressed")
	}
	if broadcaster.published("doc-1") != 0 {
		testContext.Fatalf("remote updates must never be republished")
	}
	if manager.ApplyRemote("doc-unknown", update) {
		testContext.Fatalf("expected remote update for unknown room to be ignored")
	}
}

func TestArrivalOrderDoesNotChangeFinalState(testContext *testing.T) {
	random := rand.New(rand.NewSource(7))
	type submission struct {
		peer   string
		update []byte
	}
	var submissions []submission
	for clock := uint64(0); clock < 10; clock++ {
		submissions = append(submissions,
			submission{peer: "peer-a", update: fragment(1, clock, "a")},
			submission{peer: "peer-b", update: fragment(2, clock, "b")},
		)
	}

	var expected []byte
	for trial := 0; trial < 20; trial++ {
		manager := mustManager(testContext, Config{})
		mustSubscribe(testContext, manager, "doc-1", newRecordingPeer("peer-a"))
		mustSubscribe(testContext, manager, "doc-1", newRecordingPeer("peer-b"))
		for _, index := range random.Perm(len(submissions)) {
			entry := submissions[index]
			if err := manager.ApplyUpdate(context.Background(), "doc-1", entry.peer, entry.update); err != nil {
				testContext.Fatalf("apply failed: %v", err)
			}
		}
		state := mustState(testContext, manager, "doc-1")
		if expected == nil {
			expected = state
			continue
		}
		if !bytes.Equal(state, expected) {
			testContext.Fatalf("trial %d converged to a different state", trial)
		}
	}
}

func TestSyncDeliversStateToPeer(testContext *testing.T) {
	manager := mustManager(testContext, Config{})
	peer := newRecordingPeer("peer")
	mustSubscribe(testContext, manager, "doc-1", peer)
	if err := manager.Sync(context.Background(), "doc-1", "peer", nil); err != nil {
		testContext.Fatalf("sync failed: %v", err)
	}
	if peer.count(EventState) != 2 {
		testContext.Fatalf("expected sync to deliver a second state event")
	}
	if err := manager.Sync(context.Background(), "doc-1", "ghost", nil); !errors.Is(err, ErrNotSubscribed) {
		testContext.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestCloseFlushesDirtyRooms(testContext *testing.T) {
	store := snapshots.NewMemoryStore()
	manager, err := NewManager(Config{
		Codec:           codec.NewReference(),
		Persister:       mustPersister(testContext, store),
		PersistInterval: time.Hour,
	})
	if err != nil {
		testContext.Fatalf("new manager: %v", err)
	}
	mustSubscribe(testContext, manager, "doc-1", newRecordingPeer("peer"))
	if err := manager.ApplyUpdate(context.Background(), "doc-1", "peer", fragment(1, 0, "x")); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := manager.Close(ctx); err != nil {
		testContext.Fatalf("close failed: %v", err)
	}
	stored, err := store.Load(context.Background(), "doc-1")
	if err != nil {
		testContext.Fatalf("expected snapshot after close: %v", err)
	}
	items, err := codec.DecodeUpdate(stored.State)
	if err != nil || len(items) != 1 {
		testContext.Fatalf("expected the merged update in the snapshot")
	}
	if err := manager.Subscribe(context.Background(), "doc-1", newRecordingPeer("late"), nil); !errors.Is(err, ErrClosed) {
		testContext.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
