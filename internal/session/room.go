package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxRetryInterval = time.Second

// room is the actor for one document. Fields below the inbox are owned by
// the goroutine running run and must only be touched from queued tasks.
type room struct {
	manager    *Manager
	documentID string
	ctx        context.Context
	logger     *zap.Logger

	inbox    chan func()
	stopping chan struct{}
	done     chan struct{}
	gate     sync.RWMutex
	closed   bool
	phase    atomic.Int32

	state             []byte
	peers             map[string]Peer
	evicted           bool
	closeErr          error
	dirty             bool
	persisting        bool
	flushScheduled    bool
	evictAfterPersist bool
	lastPersisted     time.Time
	drainTimer        *time.Timer
	drainGeneration   uint64
}

func newRoom(manager *Manager, documentID string) *room {
	return &room{
		manager:    manager,
		documentID: documentID,
		ctx:        codec.ContextWithDocument(manager.baseCtx, documentID),
		logger:     manager.logger.With(zap.String(fieldDocumentID, documentID)),
		inbox:      make(chan func(), manager.inboxSize),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
		peers:      make(map[string]Peer),
		closeErr:   errRoomClosed,
	}
}

// submit queues task, waiting for inbox space.
func (r *room) submit(task func()) error {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.closed {
		return errRoomClosed
	}
	select {
	case r.inbox <- task:
		return nil
	case <-r.stopping:
		return errRoomClosed
	}
}

// trySubmit queues task only if the inbox has space.
func (r *room) trySubmit(task func()) bool {
	r.gate.RLock()
	defer r.gate.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.inbox <- task:
		return true
	default:
		return false
	}
}

func (r *room) run() {
	defer close(r.done)
	r.activate()
	for !r.evicted {
		task := <-r.inbox
		task()
	}
	// The gate is closed: run what was queued before it closed so every
	// waiting caller gets an answer.
	for {
		select {
		case task := <-r.inbox:
			task()
		default:
			return
		}
	}
}

func (r *room) activate() {
	if r.manager.persister != nil {
		state, err := r.manager.persister.Load(r.ctx, r.documentID)
		if err != nil {
			r.logger.Error("room seed failed", zap.Error(err))
			r.evict(fmt.Errorf("%w: %w", ErrRoomUnavailable, err))
			return
		}
		r.state = state
	}
	r.phase.Store(int32(RoomActive))
	vector, err := r.manager.codec.StateVector(r.ctx, r.state)
	if err != nil {
		r.logger.Warn("state vector on activation failed", zap.Error(err))
		return
	}
	r.manager.broadcaster.AnnounceState(r.documentID, vector)
}

func (r *room) subscribe(peer Peer, vector []byte) error {
	if r.evicted {
		return r.closeErr
	}
	r.peers[peer.ID()] = peer
	r.cancelDrain()
	r.evictAfterPersist = false
	r.phase.Store(int32(RoomActive))
	r.deliverState(peer, vector)
	return nil
}

func (r *room) unsubscribe(peerID string) {
	if r.evicted {
		return
	}
	if _, ok := r.peers[peerID]; !ok {
		return
	}
	delete(r.peers, peerID)
	if len(r.peers) == 0 {
		r.phase.Store(int32(RoomDraining))
		r.scheduleDrain(r.manager.drainGrace)
	}
}

func (r *room) sync(peerID string, vector []byte) error {
	if r.evicted {
		return r.closeErr
	}
	peer, ok := r.peers[peerID]
	if !ok {
		return ErrNotSubscribed
	}
	r.deliverState(peer, vector)
	return nil
}

// deliverState sends a diff against vector, falling back to the full state
// when no vector is given or the diff cannot be computed.
func (r *room) deliverState(peer Peer, vector []byte) {
	if len(vector) > 0 {
		diff, err := r.manager.codec.Diff(r.ctx, r.state, vector)
		if err == nil {
			peer.Deliver(Event{Kind: EventState, DocumentID: r.documentID, Payload: diff})
			return
		}
		r.logger.Warn("diff against peer vector failed, sending full state",
			zap.String(fieldPeerID, peer.ID()),
			zap.Error(err),
		)
	}
	peer.Deliver(Event{
		Kind:       EventState,
		DocumentID: r.documentID,
		Payload:    append([]byte(nil), r.state...),
		Full:       true,
	})
}

func (r *room) applyLocal(peerID string, update []byte) error {
	if r.evicted {
		return r.closeErr
	}
	if _, ok := r.peers[peerID]; !ok {
		return ErrNotSubscribed
	}
	merged, err := r.merge(update, sourceLocal)
	if err != nil {
		r.manager.metrics.UpdateApplied(sourceLocal, outcomeFailed)
		r.logger.Warn("update dropped after merge failure",
			zap.String(fieldPeerID, peerID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %w", ErrMergeFailed, err)
	}
	r.state = merged
	r.markDirty()
	event := Event{Kind: EventUpdate, DocumentID: r.documentID, Payload: update}
	for id, peer := range r.peers {
		if id != peerID {
			peer.Deliver(event)
		}
	}
	r.manager.broadcaster.PublishUpdate(r.documentID, update)
	r.manager.metrics.UpdateApplied(sourceLocal, outcomeMerged)
	return nil
}

// applyRemote merges an update from another instance and delivers it to
// every local peer. It never republishes.
func (r *room) applyRemote(update []byte) {
	if r.evicted {
		return
	}
	merged, err := r.merge(update, sourceRemote)
	if err != nil {
		r.manager.metrics.UpdateApplied(sourceRemote, outcomeFailed)
		r.logger.Warn("remote update dropped after merge failure", zap.Error(err))
		return
	}
	if bytes.Equal(merged, r.state) {
		r.manager.metrics.UpdateApplied(sourceRemote, outcomeDuplicate)
		return
	}
	r.state = merged
	r.markDirty()
	event := Event{Kind: EventUpdate, DocumentID: r.documentID, Payload: update}
	for _, peer := range r.peers {
		peer.Deliver(event)
	}
	r.manager.metrics.UpdateApplied(sourceRemote, outcomeMerged)
}

// merge folds update into the room state with bounded retries. Malformed
// updates fail on the first attempt.
func (r *room) merge(update []byte, source string) ([]byte, error) {
	ctx, span := r.manager.tracer.Start(r.ctx, "session.merge", trace.WithAttributes(
		attribute.String(fieldDocumentID, r.documentID),
		attribute.String("source", source),
	))
	defer span.End()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.manager.retryInitial
	policy.MaxInterval = maxRetryInterval
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.manager.mergeAttempts-1)), ctx)

	attempts := 0
	var merged []byte
	err := backoff.Retry(func() error {
		attempts++
		r.manager.metrics.MergeAttempted()
		result, err := r.manager.codec.Merge(ctx, r.state, update)
		if err != nil {
			if codec.IsPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		merged = result
		return nil
	}, bounded)
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "merge failed")
		return nil, err
	}
	return merged, nil
}

func (r *room) markDirty() {
	r.dirty = true
	r.scheduleFlush()
}

func (r *room) scheduleFlush() {
	if r.manager.persister == nil || r.flushScheduled || r.persisting {
		return
	}
	r.flushScheduled = true
	delay := time.Until(r.lastPersisted.Add(r.manager.persistInterval))
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		_ = r.submit(r.flush)
	})
}

// flush starts an asynchronous snapshot write of the current state.
func (r *room) flush() {
	r.flushScheduled = false
	if r.evicted || !r.dirty || r.persisting {
		return
	}
	r.persisting = true
	r.dirty = false
	state := r.state
	go func() {
		written, err := r.manager.persister.Persist(r.ctx, r.documentID, state)
		_ = r.submit(func() { r.persistDone(written, err) })
	}()
}

func (r *room) persistDone(written []byte, err error) {
	r.persisting = false
	if r.evicted {
		return
	}
	r.lastPersisted = time.Now()
	if err != nil {
		r.logger.Warn("snapshot write failed, retrying on next tick", zap.Error(err))
		r.dirty = true
	} else {
		r.fold(written)
	}
	if r.dirty {
		r.scheduleFlush()
	}
	if r.evictAfterPersist && len(r.peers) == 0 {
		r.evictAfterPersist = false
		r.evictOrRetry()
	}
}

// fold merges state written by the persister, which may include work from
// other instances, back into the room and delivers anything new to peers.
func (r *room) fold(written []byte) {
	if len(written) == 0 {
		return
	}
	merged, err := r.manager.codec.Merge(r.ctx, r.state, written)
	if err != nil {
		r.logger.Warn("folding persisted state failed", zap.Error(err))
		return
	}
	if bytes.Equal(merged, r.state) {
		return
	}
	r.state = merged
	event := Event{Kind: EventUpdate, DocumentID: r.documentID, Payload: written}
	for _, peer := range r.peers {
		peer.Deliver(event)
	}
}

func (r *room) scheduleDrain(delay time.Duration) {
	r.cancelDrain()
	generation := r.drainGeneration
	r.drainTimer = time.AfterFunc(delay, func() {
		_ = r.submit(func() { r.drainExpired(generation) })
	})
}

func (r *room) cancelDrain() {
	r.drainGeneration++
	if r.drainTimer != nil {
		r.drainTimer.Stop()
		r.drainTimer = nil
	}
}

func (r *room) drainExpired(generation uint64) {
	if r.evicted || generation != r.drainGeneration || len(r.peers) > 0 {
		return
	}
	if r.persisting {
		r.evictAfterPersist = true
		return
	}
	r.evictOrRetry()
}

// evictOrRetry writes unsaved state and evicts the room. A failed write keeps
// the room draining so no merged work is lost.
func (r *room) evictOrRetry() {
	if r.dirty && r.manager.persister != nil {
		if _, err := r.manager.persister.Persist(r.ctx, r.documentID, r.state); err != nil {
			r.logger.Error("final snapshot write failed, keeping room", zap.Error(err))
			r.scheduleDrain(r.manager.drainGrace)
			return
		}
		r.dirty = false
	}
	r.logger.Debug("room evicted")
	r.evict(errRoomClosed)
}

func (r *room) shutdown() {
	if r.evicted {
		return
	}
	r.cancelDrain()
	// A write still in flight is aborted once the manager cancels its
	// context, so the room writes its full state again here.
	if (r.dirty || r.persisting) && r.manager.persister != nil {
		ctx := context.WithoutCancel(r.ctx)
		if _, err := r.manager.persister.Persist(ctx, r.documentID, r.state); err != nil {
			r.logger.Error("snapshot write on shutdown failed", zap.Error(err))
		}
	}
	r.evict(ErrClosed)
}

// evict removes the room from the manager and closes its inbox gate. Tasks
// already queued observe evicted and answer with closeErr.
func (r *room) evict(closeErr error) {
	r.manager.release(r)
	close(r.stopping)
	r.gate.Lock()
	r.closed = true
	r.gate.Unlock()
	r.evicted = true
	r.closeErr = closeErr
	r.phase.Store(int32(RoomEmpty))
	r.peers = make(map[string]Peer)
}
