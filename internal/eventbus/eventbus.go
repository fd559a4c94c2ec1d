// Package eventbus implements an in-process topic publish/subscribe bus used
// to decouple backend lifecycle changes from the components that cache or
// broadcast them (the tool router's self-heal pass, upstream status pushes).
package eventbus

import "sync"

// Handler receives one event payload for the topic it was subscribed to.
// Handlers are invoked sequentially per topic in registration order and must
// not block; a slow handler delays every later handler and publisher on that
// topic.
type Handler func(payload any)

// Bus is a topic-keyed set of subscriber lists. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscription
	nextID uint64
}

type subscription struct {
	id      uint64
	handler Handler
}

// Subscription identifies one Subscribe call so it can be exactly Unsubscribed
// later, even when the same Handler value is subscribed more than once.
type Subscription struct {
	topic string
	id    uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string][]subscription)}
}

// Subscribe registers handler on topic, appended after any existing
// subscribers, and returns a token for Unsubscribe.
func (b *Bus) Subscribe(topic string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{id: id, handler: handler})
	return Subscription{topic: topic, id: id}
}

// Unsubscribe removes exactly the subscription identified by sub, if still
// present. Unsubscribing an unknown or already-removed subscription is a
// no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers payload to every subscriber of topic, sequentially, in
// the order they subscribed. Publish takes a snapshot of the subscriber list
// before the first call, so a handler that subscribes or unsubscribes during
// delivery does not affect the in-flight publication.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(payload)
	}
}

// Topics used by the core backend/upstream lifecycle.
const (
	TopicServiceConnected        = "service:connected"
	TopicServiceDisconnected     = "service:disconnected"
	TopicServiceConnectionFailed = "service:connection-failed"
	TopicEndpointStatusChanged   = "endpoint:status-changed"
)

// ServiceConnected is the payload for TopicServiceConnected.
type ServiceConnected struct {
	Name string
	Tools int
	At    int64
}

// ServiceDisconnected is the payload for TopicServiceDisconnected.
type ServiceDisconnected struct {
	Name   string
	Reason string
	At     int64
}

// ServiceConnectionFailed is the payload for TopicServiceConnectionFailed.
type ServiceConnectionFailed struct {
	Name    string
	Err     error
	Attempt int
}

// EndpointStatusChanged is the payload for TopicEndpointStatusChanged.
type EndpointStatusChanged struct {
	Endpoint string
	State    string
	At       int64
}
