// Package eventbus is a small topic-keyed fan-out bus used to publish the
// store's lifecycle events (ready, repairing, error, close) to interested
// subscribers (the server, metrics, logging) without coupling the store to
// any one of them.
package eventbus

import (
	"context"
	"sync"
)

// Topic names a class of lifecycle event.
type Topic string

const (
	// TopicStoreReady fires once the store engine has finished opening.
	TopicStoreReady Topic = "store.ready"
	// TopicStoreRepairing fires when the store starts opening its database.
	TopicStoreRepairing Topic = "store.repairing"
	// TopicStoreError fires when the store fails to open or initialize its database.
	TopicStoreError Topic = "store.error"
	// TopicStoreClose fires once Close has fully drained and closed the engine.
	TopicStoreClose Topic = "store.close"
	// TopicRegistrySwap fires after a successful or rejected registry replace.
	TopicRegistrySwap Topic = "registry.swap"
)

// Event is one published occurrence on a Topic.
type Event struct {
	Topic Topic
	Data  interface{}
}

// Subscriber is a live subscription; Close unsubscribes and closes the channel.
type Subscriber struct {
	Ch   <-chan Event
	stop context.CancelFunc
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscriber) Close() {
	if s.stop != nil {
		s.stop()
	}
}

// Bus is a multi-producer, multi-consumer fan-out bus keyed by Topic.
// Publish never blocks: a subscriber whose buffer is full misses the event.
// Lifecycle events are informational, not a delivery-guaranteed control
// channel.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan Event
	buf  int
}

// New returns a Bus whose per-subscriber channel buffer holds buf events.
func New(buf int) *Bus {
	return &Bus{subs: make(map[Topic][]chan Event), buf: buf}
}

// Publish fans data out to every current subscriber of topic. The sends
// happen under the read lock so an unsubscribing channel cannot be closed
// mid-publish (unsubscribe closes under the write lock).
func (b *Bus) Publish(topic Topic, data interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[topic] {
		select {
		case ch <- Event{Topic: topic, Data: data}:
		default:
		}
	}
}

// Subscribe registers a new listener on topic. The subscription is torn
// down when ctx is done or Close is called, whichever comes first.
func (b *Bus) Subscribe(ctx context.Context, topic Topic) *Subscriber {
	ch := make(chan Event, b.buf)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	go func() {
		<-cctx.Done()
		b.mu.Lock()
		subs := b.subs[topic]
		for i, c := range subs {
			if c == ch {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		b.mu.Unlock()
	}()
	return &Subscriber{Ch: ch, stop: cancel}
}
