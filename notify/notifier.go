package notify

import (
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the buffer size of subscription channels.
// Subscribers that can't keep up will have messages dropped (non-blocking send).
const DefaultBufferSize = 64

// Message is a payload published on a topic
type Message[T any] struct {
	Topic   string
	Payload T
}

// subscription represents a single subscriber.
type subscription[T any] struct {
	id     uint64
	topics []string
	ch     chan Message[T]
	closed atomic.Bool
}

// matches checks if the topic matches this subscription's filter.
func (s *subscription[T]) matches(topic string) bool {
	// nil or empty = all topics
	if len(s.topics) == 0 {
		return true
	}

	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// close closes the subscription channel if not already closed.
func (s *subscription[T]) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe in-process fan-out of topic messages.
type Hub[T any] struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription[T]
	nextID        atomic.Uint64
	bufferSize    int
	dropped       atomic.Uint64
}

// NewHub creates a hub whose subscriptions buffer bufferSize messages.
// A non-positive size uses DefaultBufferSize.
func NewHub[T any](bufferSize int) *Hub[T] {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub[T]{
		subscriptions: make(map[uint64]*subscription[T]),
		bufferSize:    bufferSize,
	}
}

// Signal sends payload to all matching subscribers (non-blocking) and
// returns how many received it.
func (h *Hub[T]) Signal(topic string, payload T) int {
	msg := Message[T]{Topic: topic, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subscriptions {
		if !sub.matches(topic) {
			continue
		}

		select {
		case sub.ch <- msg:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// Subscribe creates a new subscription for topics (all topics when empty)
// and returns the message channel and cancel function. If the subscriber
// cannot keep up, messages are dropped by Signal. The cancel function is
// idempotent and closes the channel.
func (h *Hub[T]) Subscribe(topics ...string) (<-chan Message[T], func()) {
	sub := &subscription[T]{
		id:     h.nextID.Add(1),
		topics: append([]string(nil), topics...),
		ch:     make(chan Message[T], h.bufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Dropped returns how many messages were dropped on full subscriptions
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close cancels every subscription
func (h *Hub[T]) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
