package codec

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

const defaultWorkers = 32

// Observer receives the outcome of every codec call made through a Pool.
type Observer interface {
	ObserveCodecCall(operation string, err error, elapsed time.Duration)
}

// Pool bounds the number of in-flight codec calls independently of how many
// sockets or rooms are active. Callers waiting for a slot give up when their
// context ends.
type Pool struct {
	next     Codec
	slots    *semaphore.Weighted
	observer Observer
}

// NewPool wraps next with a bound of workers concurrent calls. observer may be nil.
func NewPool(next Codec, workers int, observer Observer) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Pool{next: next, slots: semaphore.NewWeighted(int64(workers)), observer: observer}
}

// Merge implements Codec.
func (p *Pool) Merge(ctx context.Context, state, update []byte) ([]byte, error) {
	return p.run(ctx, methodMerge, func(ctx context.Context) ([]byte, error) {
		return p.next.Merge(ctx, state, update)
	})
}

// StateVector implements Codec.
func (p *Pool) StateVector(ctx context.Context, state []byte) ([]byte, error) {
	return p.run(ctx, methodStateVector, func(ctx context.Context) ([]byte, error) {
		return p.next.StateVector(ctx, state)
	})
}

// Diff implements Codec.
func (p *Pool) Diff(ctx context.Context, state, vector []byte) ([]byte, error) {
	return p.run(ctx, methodDiff, func(ctx context.Context) ([]byte, error) {
		return p.next.Diff(ctx, state, vector)
	})
}

func (p *Pool) run(ctx context.Context, operation string, call func(context.Context) ([]byte, error)) ([]byte, error) {
	started := time.Now()
	if err := p.slots.Acquire(ctx, 1); err != nil {
		wrapped := fmt.Errorf("%w: waiting for codec worker: %w", ErrUnavailable, err)
		p.observe(operation, wrapped, started)
		return nil, wrapped
	}
	defer p.slots.Release(1)
	payload, err := call(ctx)
	p.observe(operation, err, started)
	return payload, err
}

func (p *Pool) observe(operation string, err error, started time.Time) {
	if p.observer == nil {
		return
	}
	p.observer.ObserveCodecCall(operation, err, time.Since(started))
}
