package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
)

type recordingPeer struct {
	id     string
	mutex  sync.Mutex
	events []Event
}

func newRecordingPeer(id string) *recordingPeer {
	return &recordingPeer{id: id}
}

func (p *recordingPeer) ID() string {
	return p.id
}

func (p *recordingPeer) Deliver(event Event) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPeer) snapshot() []Event {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return append([]Event(nil), p.events...)
}

func (p *recordingPeer) count(kind EventKind) int {
	total := 0
	for _, event := range p.snapshot() {
		if event.Kind == kind {
			total++
		}
	}
	return total
}

type recordingBroadcaster struct {
	mutex     sync.Mutex
	updates   map[string]int
	announced map[string]int
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{updates: make(map[string]int), announced: make(map[string]int)}
}

func (b *recordingBroadcaster) PublishUpdate(documentID string, _ []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.updates[documentID]++
}

func (b *recordingBroadcaster) AnnounceState(documentID string, _ []byte) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.announced[documentID]++
}

func (b *recordingBroadcaster) published(documentID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.updates[documentID]
}

func (b *recordingBroadcaster) announcements(documentID string) int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.announced[documentID]
}

// brokenDocumentCodec fails every merge for one document.
type brokenDocumentCodec struct {
	codec.Codec
	broken   string
	attempts atomic.Int32
}

func (c *brokenDocumentCodec) Merge(ctx context.Context, state, update []byte) ([]byte, error) {
	if codec.DocumentFromContext(ctx) == c.broken {
		c.attempts.Add(1)
		return nil, codec.ErrUnavailable
	}
	return c.Codec.Merge(ctx, state, update)
}

type countingPersister struct {
	Persister
	persists atomic.Int32
}

func (c *countingPersister) Persist(ctx context.Context, documentID string, state []byte) ([]byte, error) {
	c.persists.Add(1)
	return c.Persister.Persist(ctx, documentID, state)
}

func mustManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Codec == nil {
		cfg.Codec = codec.NewReference()
	}
	if cfg.RetryInitialInterval == 0 {
		cfg.RetryInitialInterval = 5 * time.Millisecond
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})
	return manager
}

func mustSubscribe(t *testing.T, manager *Manager, documentID string, peer Peer) {
	t.Helper()
	if err := manager.Subscribe(context.Background(), documentID, peer, nil); err != nil {
		t.Fatalf("subscribe %s to %s failed: %v", peer.ID(), documentID, err)
	}
}

func mustState(t *testing.T, manager *Manager, documentID string) []byte {
	t.Helper()
	state, ok, err := manager.State(context.Background(), documentID)
	if err != nil {
		t.Fatalf("state failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected room for %s", documentID)
	}
	return state
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func fragment(client, clock uint64, content string) []byte {
	return codec.EncodeUpdate(codec.Item{Client: client, Clock: clock, Content: []byte(content)})
}
