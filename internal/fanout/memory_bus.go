package fanout

import (
	"context"
	"errors"
	"sync"
)

const memorySubscriberBuffer = 1024

// MemoryNetwork connects in-process buses as if they shared a broker. A
// single-instance deployment uses one bus on a private network; tests attach
// several to simulate instances.
type MemoryNetwork struct {
	mutex       sync.Mutex
	subscribers map[*memorySubscriber]struct{}
	down        bool
}

type memorySubscriber struct {
	messages chan Envelope
}

// NewMemoryNetwork constructs an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{subscribers: make(map[*memorySubscriber]struct{})}
}

// SetDown simulates a broker outage: publishes fail and nothing is delivered.
func (n *MemoryNetwork) SetDown(down bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.down = down
}

// Bus returns a new bus attached to the network.
func (n *MemoryNetwork) Bus() Bus {
	return &memoryBus{network: n}
}

func (n *MemoryNetwork) deliver(envelope Envelope) error {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	if n.down {
		return ErrBusDown
	}
	for subscriber := range n.subscribers {
		select {
		case subscriber.messages <- envelope:
		default:
		}
	}
	return nil
}

func (n *MemoryNetwork) attach(subscriber *memorySubscriber) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.subscribers[subscriber] = struct{}{}
}

func (n *MemoryNetwork) detach(subscriber *memorySubscriber) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	delete(n.subscribers, subscriber)
}

type memoryBus struct {
	network *MemoryNetwork
}

func (b *memoryBus) Publish(ctx context.Context, envelope Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	envelope.Payload = append([]byte(nil), envelope.Payload...)
	return b.network.deliver(envelope)
}

func (b *memoryBus) StartForwarder(ctx context.Context, onMessage func(Envelope)) error {
	if onMessage == nil {
		return errors.New("fanout: message callback is required")
	}
	subscriber := &memorySubscriber{messages: make(chan Envelope, memorySubscriberBuffer)}
	b.network.attach(subscriber)
	go func() {
		defer b.network.detach(subscriber)
		for {
			select {
			case <-ctx.Done():
				return
			case envelope := <-subscriber.messages:
				onMessage(envelope)
			}
		}
	}()
	return nil
}

func (b *memoryBus) Close() error {
	return nil
}
