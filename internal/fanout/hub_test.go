package fanout

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
)

type collectingPeer struct {
	id     string
	mutex  sync.Mutex
	events []session.Event
}

func (p *collectingPeer) ID() string {
	return p.id
}

func (p *collectingPeer) Deliver(event session.Event) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.events = append(p.events, event)
}

func (p *collectingPeer) updates() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	total := 0
	for _, event := range p.events {
		if event.Kind == session.EventUpdate {
			total++
		}
	}
	return total
}

type instance struct {
	hub     *Hub
	manager *session.Manager
}

func startInstance(t *testing.T, network *MemoryNetwork, instanceID string) instance {
	t.Helper()
	hub, err := NewHub(HubConfig{
		Bus:               network.Bus(),
		InstanceID:        instanceID,
		ReconcileInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	manager, err := session.NewManager(session.Config{
		Codec:                codec.NewReference(),
		Broadcaster:          hub,
		RetryInitialInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, manager) }()
	t.Cleanup(func() {
		cancel()
		<-done
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = manager.Close(closeCtx)
	})
	return instance{hub: hub, manager: manager}
}

func mustJoin(t *testing.T, node instance, documentID, peerID string) *collectingPeer {
	t.Helper()
	peer := &collectingPeer{id: peerID}
	if err := node.manager.Subscribe(context.Background(), documentID, peer, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return peer
}

func fragment(client, clock uint64, content string) []byte {
	return codec.EncodeUpdate(codec.Item{Client: client, Clock: clock, Content: []byte(content)})
}

func stateOf(t *testing.T, node instance, documentID string) []byte {
	t.Helper()
	state, ok, err := node.manager.State(context.Background(), documentID)
	if err != nil || !ok {
		t.Fatalf("state of %s: ok=%v err=%v", documentID, ok, err)
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

func TestHubDeliversUpdatesAcrossInstances(t *testing.T) {
	network := NewMemoryNetwork()
	first := startInstance(t, network, "gateway-a")
	second := startInstance(t, network, "gateway-b")

	mustJoin(t, first, "doc-1", "alice")
	bob := mustJoin(t, second, "doc-1", "bob")

	if err := first.manager.ApplyUpdate(context.Background(), "doc-1", "alice", fragment(1, 0, "hello")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	waitFor(t, "remote delivery", func() bool { return bob.updates() == 1 })
	waitFor(t, "converged state", func() bool {
		return bytes.Equal(stateOf(t, first, "doc-1"), stateOf(t, second, "doc-1"))
	})
}

func TestHubDiscardsOwnEnvelopes(t *testing.T) {
	network := NewMemoryNetwork()
	only := startInstance(t, network, "gateway-a")

	alice := mustJoin(t, only, "doc-1", "alice")
	bob := mustJoin(t, only, "doc-1", "bob")

	if err := only.manager.ApplyUpdate(context.Background(), "doc-1", "alice", fragment(1, 0, "x")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	waitFor(t, "local delivery", func() bool { return bob.updates() == 1 })

	time.Sleep(50 * time.Millisecond)
	if got := bob.updates(); got != 1 {
		t.Fatalf("expected bob to receive 1 update, got %d", got)
	}
	if got := alice.updates(); got != 0 {
		t.Fatalf("expected the author to receive no echo, got %d", got)
	}
}

func TestHubIgnoresDocumentsWithoutLocalRoom(t *testing.T) {
	network := NewMemoryNetwork()
	first := startInstance(t, network, "gateway-a")
	second := startInstance(t, network, "gateway-b")

	mustJoin(t, first, "doc-1", "alice")
	if err := first.manager.ApplyUpdate(context.Background(), "doc-1", "alice", fragment(1, 0, "x")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := second.manager.State(context.Background(), "doc-1"); ok {
		t.Fatalf("expected no room to be created on the idle instance")
	}
}

func TestHubReconcilesAfterOutage(t *testing.T) {
	network := NewMemoryNetwork()
	first := startInstance(t, network, "gateway-a")
	second := startInstance(t, network, "gateway-b")

	mustJoin(t, first, "doc-1", "alice")
	bob := mustJoin(t, second, "doc-1", "bob")

	network.SetDown(true)
	if err := first.manager.ApplyUpdate(context.Background(), "doc-1", "alice", fragment(1, 0, "lost")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if bob.updates() != 0 {
		t.Fatalf("expected the update to be lost during the outage")
	}
	network.SetDown(false)

	second.hub.Reconcile(context.Background(), second.manager)

	waitFor(t, "repair after reconciliation", func() bool { return bob.updates() == 1 })
	if !bytes.Equal(stateOf(t, first, "doc-1"), stateOf(t, second, "doc-1")) {
		t.Fatalf("expected instances to converge")
	}
}

func TestNewHubRequiresBusAndInstance(t *testing.T) {
	if _, err := NewHub(HubConfig{InstanceID: "a"}); err == nil {
		t.Fatalf("expected error without bus")
	}
	if _, err := NewHub(HubConfig{Bus: NewMemoryNetwork().Bus(), InstanceID: "  "}); err == nil {
		t.Fatalf("expected error without instance id")
	}
}
