package memory

import (
	"context"
	"sync"

	"github.com/coregx/gopubsub"
)

// DefaultBrokerBuffer is the per-subscriber channel buffer of NewBroker(0).
const DefaultBrokerBuffer = 256

type brokerSubscriber struct {
	mu     sync.Mutex
	ch     chan pubsub.ControlMessage
	done   chan struct{}
	once   sync.Once
	closed bool
}

// Broker is an in-process control-plane broker: every published message is
// fanned out to every current subscriber, in publication order.
type Broker struct {
	mu      sync.RWMutex
	subs    map[uint64]*brokerSubscriber
	nextID  uint64
	bufSize int
}

// NewBroker creates a broker. bufSize is each subscriber's channel buffer;
// a publisher blocks while a subscriber's buffer is full.
func NewBroker(bufSize int) *Broker {
	if bufSize <= 0 {
		bufSize = DefaultBrokerBuffer
	}
	return &Broker{subs: make(map[uint64]*brokerSubscriber), bufSize: bufSize}
}

// Publish sends msg to all subscribers.
func (b *Broker) Publish(ctx context.Context, msg pubsub.ControlMessage) error {
	b.mu.RLock()
	subs := make([]*brokerSubscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := s.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *brokerSubscriber) send(ctx context.Context, msg pubsub.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a new subscriber.
func (b *Broker) Subscribe(ctx context.Context) (<-chan pubsub.ControlMessage, func()) {
	s := &brokerSubscriber{
		ch:   make(chan pubsub.ControlMessage, b.bufSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			close(s.done)

			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-s.done:
		}
	}()

	return s.ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
