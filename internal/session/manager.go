// Package session owns the in-memory state of active collaborative
// documents. Each document room is an actor: one goroutine applies every
// mutation of the room's merged state in the order tasks were queued, so
// per-document merges never interleave while different documents proceed in
// parallel.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrMergeFailed indicates that an update could not be merged after all attempts.
	ErrMergeFailed = errors.New("session: merge failed")
	// ErrNotSubscribed indicates that the peer holds no subscription to the document.
	ErrNotSubscribed = errors.New("session: peer not subscribed")
	// ErrClosed indicates that the manager is shutting down.
	ErrClosed = errors.New("session: manager closed")
	// ErrRoomUnavailable indicates that the room could not be seeded from its snapshot.
	ErrRoomUnavailable = errors.New("session: room unavailable")

	errRoomClosed = errors.New("session: room closed")
)

const (
	defaultDrainGrace      = 15 * time.Second
	defaultPersistInterval = 5 * time.Second
	defaultMergeAttempts   = 3
	defaultRetryInitial    = 50 * time.Millisecond
	defaultInboxSize       = 256
	subscribeAttempts      = 8
	fieldDocumentID        = "document_id"
	fieldPeerID            = "connection_id"
	tracerName             = "github.com/MarcoPoloResearchLab/gravity/collab/internal/session"
	sourceLocal            = "local"
	sourceRemote           = "remote"
	outcomeMerged          = "merged"
	outcomeDuplicate       = "duplicate"
	outcomeFailed          = "failed"
	outcomeDropped         = "dropped"
)

// EventKind distinguishes events delivered to peers.
type EventKind int

const (
	// EventState carries a full state or a catch-up diff.
	EventState EventKind = iota + 1
	// EventUpdate carries an update merged by another peer.
	EventUpdate
)

// Event is a payload delivered to a subscribed peer.
type Event struct {
	Kind       EventKind
	DocumentID string
	Payload    []byte
	// Full is set on EventState when Payload is the whole document state.
	Full bool
}

// Peer is a subscriber of a document room. Deliver is called from the room's
// goroutine and must not block.
type Peer interface {
	ID() string
	Deliver(event Event)
}

// Persister seeds rooms from durable snapshots and writes them back.
type Persister interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	// Persist stores state and returns what was written, which may include
	// state merged from other writers.
	Persist(ctx context.Context, documentID string, state []byte) ([]byte, error)
}

// Broadcaster hands locally merged updates to cross-instance fan-out.
type Broadcaster interface {
	PublishUpdate(documentID string, update []byte)
	AnnounceState(documentID string, vector []byte)
}

type nopBroadcaster struct{}

func (nopBroadcaster) PublishUpdate(string, []byte) {}
func (nopBroadcaster) AnnounceState(string, []byte) {}

// RoomState is the lifecycle phase of a document room.
type RoomState int32

const (
	RoomEmpty RoomState = iota
	RoomActive
	RoomDraining
)

func (s RoomState) String() string {
	switch s {
	case RoomActive:
		return "active"
	case RoomDraining:
		return "draining"
	default:
		return "empty"
	}
}

// Config configures a Manager.
type Config struct {
	Codec codec.Codec
	// Persister may be nil, in which case rooms start empty and evicted
	// state is discarded.
	Persister   Persister
	Broadcaster Broadcaster
	// DrainGrace is how long a room without subscribers is kept before eviction.
	DrainGrace time.Duration
	// PersistInterval is the minimum time between snapshot writes of one room.
	PersistInterval time.Duration
	// MergeAttempts bounds codec merge attempts per update.
	MergeAttempts        int
	RetryInitialInterval time.Duration
	InboxSize            int
	Metrics              *metrics.Collectors
	Logger               *zap.Logger
	Tracer               trace.Tracer
}

// Manager holds one room per active document.
type Manager struct {
	codec           codec.Codec
	persister       Persister
	broadcaster     Broadcaster
	drainGrace      time.Duration
	persistInterval time.Duration
	mergeAttempts   int
	retryInitial    time.Duration
	inboxSize       int
	metrics         *metrics.Collectors
	logger          *zap.Logger
	tracer          trace.Tracer

	baseCtx context.Context
	cancel  context.CancelFunc

	mutex  sync.Mutex
	rooms  map[string]*room
	closed bool
}

// NewManager validates cfg and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Codec == nil {
		return nil, errors.New("session: codec is required")
	}
	broadcaster := cfg.Broadcaster
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}
	drainGrace := cfg.DrainGrace
	if drainGrace <= 0 {
		drainGrace = defaultDrainGrace
	}
	persistInterval := cfg.PersistInterval
	if persistInterval <= 0 {
		persistInterval = defaultPersistInterval
	}
	attempts := cfg.MergeAttempts
	if attempts <= 0 {
		attempts = defaultMergeAttempts
	}
	retryInitial := cfg.RetryInitialInterval
	if retryInitial <= 0 {
		retryInitial = defaultRetryInitial
	}
	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		codec:           cfg.Codec,
		persister:       cfg.Persister,
		broadcaster:     broadcaster,
		drainGrace:      drainGrace,
		persistInterval: persistInterval,
		mergeAttempts:   attempts,
		retryInitial:    retryInitial,
		inboxSize:       inboxSize,
		metrics:         cfg.Metrics,
		logger:          logger,
		tracer:          tracer,
		baseCtx:         baseCtx,
		cancel:          cancel,
		rooms:           make(map[string]*room),
	}, nil
}

// Subscribe adds peer to the document's room, creating and seeding the room
// if needed, and delivers the current state to the peer: a diff when vector
// is non-empty, otherwise the full state.
func (m *Manager) Subscribe(ctx context.Context, documentID string, peer Peer, vector []byte) error {
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		target, err := m.acquire(documentID)
		if err != nil {
			return err
		}
		reply := make(chan error, 1)
		if err := target.submit(func() { reply <- target.subscribe(peer, vector) }); err != nil {
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return err
		}
		select {
		case err = <-reply:
		case <-ctx.Done():
			// The queued task still runs; undo it so the peer does not linger.
			go m.Unsubscribe(documentID, peer.ID())
			return ctx.Err()
		}
		if errors.Is(err, errRoomClosed) {
			continue
		}
		return err
	}
	return ErrRoomUnavailable
}

// Unsubscribe removes the peer from the room. The last peer leaving starts
// the drain grace period.
func (m *Manager) Unsubscribe(documentID, peerID string) {
	target := m.lookup(documentID)
	if target == nil {
		return
	}
	done := make(chan struct{})
	if err := target.submit(func() {
		target.unsubscribe(peerID)
		close(done)
	}); err != nil {
		return
	}
	<-done
}

// ApplyUpdate merges an update submitted by a subscribed peer, broadcasts it
// to the room's other peers and hands it to fan-out. It returns
// ErrMergeFailed when every merge attempt failed; the room's state is then
// unchanged.
func (m *Manager) ApplyUpdate(ctx context.Context, documentID, peerID string, update []byte) error {
	target := m.lookup(documentID)
	if target == nil {
		return ErrNotSubscribed
	}
	reply := make(chan error, 1)
	if err := target.submit(func() { reply <- target.applyLocal(peerID, update) }); err != nil {
		return ErrNotSubscribed
	}
	select {
	case err := <-reply:
		if errors.Is(err, errRoomClosed) {
			return ErrNotSubscribed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyRemote queues an update received from another instance for the
// document's local room. It reports false when no local room exists or the
// room's queue is full; reconciliation repairs dropped updates.
func (m *Manager) ApplyRemote(documentID string, update []byte) bool {
	target := m.lookup(documentID)
	if target == nil {
		return false
	}
	if !target.trySubmit(func() { target.applyRemote(update) }) {
		m.metrics.UpdateApplied(sourceRemote, outcomeDropped)
		return false
	}
	return true
}

// Sync delivers the document state to a subscribed peer: a diff against
// vector, or the full state when vector is empty.
func (m *Manager) Sync(ctx context.Context, documentID, peerID string, vector []byte) error {
	target := m.lookup(documentID)
	if target == nil {
		return ErrNotSubscribed
	}
	reply := make(chan error, 1)
	if err := target.submit(func() { reply <- target.sync(peerID, vector) }); err != nil {
		return ErrNotSubscribed
	}
	select {
	case err := <-reply:
		if errors.Is(err, errRoomClosed) {
			return ErrNotSubscribed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the room's merged state. ok is false when the
// document has no local room.
func (m *Manager) State(ctx context.Context, documentID string) (state []byte, ok bool, err error) {
	return m.query(ctx, documentID, func(target *room) ([]byte, error) {
		return append([]byte(nil), target.state...), nil
	})
}

// StateVector returns the state vector of the local room.
func (m *Manager) StateVector(ctx context.Context, documentID string) ([]byte, bool, error) {
	return m.query(ctx, documentID, func(target *room) ([]byte, error) {
		return m.codec.StateVector(target.ctx, target.state)
	})
}

// Diff returns what a replica at vector is missing from the local room.
func (m *Manager) Diff(ctx context.Context, documentID string, vector []byte) ([]byte, bool, error) {
	return m.query(ctx, documentID, func(target *room) ([]byte, error) {
		return m.codec.Diff(target.ctx, target.state, vector)
	})
}

// ActiveDocuments lists the documents held in memory.
func (m *Manager) ActiveDocuments() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	documents := make([]string, 0, len(m.rooms))
	for documentID := range m.rooms {
		documents = append(documents, documentID)
	}
	return documents
}

// RoomState reports the lifecycle phase of the document's room.
func (m *Manager) RoomState(documentID string) RoomState {
	target := m.lookup(documentID)
	if target == nil {
		return RoomEmpty
	}
	return RoomState(target.phase.Load())
}

// Close persists and evicts every room. Rooms still draining are flushed
// immediately.
func (m *Manager) Close(ctx context.Context) error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	rooms := make([]*room, 0, len(m.rooms))
	for _, target := range m.rooms {
		rooms = append(rooms, target)
	}
	m.mutex.Unlock()

	for _, target := range rooms {
		current := target
		_ = current.submit(func() { current.shutdown() })
	}
	var err error
	for _, target := range rooms {
		select {
		case <-target.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if err != nil {
			break
		}
	}
	m.cancel()
	return err
}

func (m *Manager) query(ctx context.Context, documentID string, read func(*room) ([]byte, error)) ([]byte, bool, error) {
	target := m.lookup(documentID)
	if target == nil {
		return nil, false, nil
	}
	type result struct {
		payload []byte
		err     error
	}
	reply := make(chan result, 1)
	if err := target.submit(func() {
		if target.evicted {
			reply <- result{err: errRoomClosed}
			return
		}
		payload, err := read(target)
		reply <- result{payload: payload, err: err}
	}); err != nil {
		return nil, false, nil
	}
	select {
	case outcome := <-reply:
		if errors.Is(outcome.err, errRoomClosed) {
			return nil, false, nil
		}
		return outcome.payload, true, outcome.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (m *Manager) acquire(documentID string) (*room, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if target, ok := m.rooms[documentID]; ok {
		return target, nil
	}
	target := newRoom(m, documentID)
	m.rooms[documentID] = target
	m.metrics.RoomsActive(len(m.rooms))
	go target.run()
	return target, nil
}

func (m *Manager) lookup(documentID string) *room {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.rooms[documentID]
}

func (m *Manager) release(target *room) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if current, ok := m.rooms[target.documentID]; ok && current == target {
		delete(m.rooms, target.documentID)
	}
	m.metrics.RoomsActive(len(m.rooms))
}
