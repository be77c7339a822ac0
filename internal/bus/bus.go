// Package bus implements the Broadcast Bus: a concurrency-safe,
// per-topic publish/subscribe primitive with FIFO delivery per
// (topic, subscriber) pair and non-blocking publication.
package bus

import "sync"

// Message is an opaque payload published onto a topic. The bus never
// inspects it.
type Message interface{}

// SubscriberID disambiguates subscribers on the same topic so that
// BroadcastFrom can exclude the publisher.
type SubscriberID uint32

// Subscription is the handle a subscriber holds. Receive yields messages
// published to the topic in publication order; Unsubscribe detaches it.
type Subscription struct {
	id     SubscriberID
	topic  string
	ch     chan Message
	bus    *Bus
	closed chan struct{}
	once   sync.Once
}

// topicState holds one topic's subscriber set behind its own mutex, so
// publishes to different topics never contend with each other while
// publishes to the *same* topic are strictly ordered.
type topicState struct {
	mu   sync.Mutex
	subs map[SubscriberID]chan Message
}

// Receive returns the channel to read published messages from. It is
// closed when Unsubscribe runs. A full buffer does not close it: the bus
// only drops that message for this subscriber and invokes onSlow.
func (s *Subscription) Receive() <-chan Message { return s.ch }

// ID returns this subscription's SubscriberID, letting a caller correlate
// the onSlow callback's id back to whichever subscriber it belongs to.
func (s *Subscription) ID() SubscriberID { return s.id }

// Unsubscribe detaches the subscription from its topic. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.topic, s.id)
		close(s.closed)
	})
}

// subscriberBufferSize bounds how far a slow consumer can lag before the
// bus gives up on it rather than block every other publisher.
const subscriberBufferSize = 64

// Bus is a map[topic] -> topicState, guarded by its own lock, matching the
// register/unregister/broadcast pattern used throughout this codebase's
// other realtime fan-out services. The bus-wide lock only ever protects
// the topics map itself; delivery is serialized per topic instead, so
// publishes to different topics never block each other.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	nextID SubscriberID
	onSlow func(topic string, id SubscriberID)
}

// New builds an empty Bus. onSlow, if non-nil, is invoked (while the
// topic's delivery lock is held, never the bus-wide one) whenever a
// subscriber's buffer is full and its message is dropped;
// internal/signaling uses it to close that subscriber's transport per the
// spec's "MAY drop or close" delivery rule.
func New(onSlow func(topic string, id SubscriberID)) *Bus {
	return &Bus{
		topics: make(map[string]*topicState),
		onSlow: onSlow,
	}
}

// Subscribe attaches a new subscriber to topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Message, subscriberBufferSize)

	// b.mu stays held while the subscriber is added to t, so a concurrent
	// unsubscribe cannot delete t from the map in between.
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[topic]
	if t == nil {
		t = &topicState{subs: make(map[SubscriberID]chan Message)}
		b.topics[topic] = t
	}
	b.nextID++
	id := b.nextID

	t.mu.Lock()
	t.subs[id] = ch
	t.mu.Unlock()

	return &Subscription{id: id, topic: topic, ch: ch, bus: b, closed: make(chan struct{})}
}

func (b *Bus) unsubscribe(topic string, id SubscriberID) {
	// b.mu is held for the whole operation (not just the map lookup) so a
	// concurrent Subscribe can't land a new subscriber on t between this
	// call's emptiness check and its delete(b.topics, topic). Subscribe
	// also holds b.mu while it takes t.mu, and publish releases b.mu
	// before taking t.mu, so wherever the two locks nest the order is
	// b.mu then t.mu and is never inverted.
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[topic]
	if !ok {
		return
	}

	t.mu.Lock()
	if ch, ok := t.subs[id]; ok {
		delete(t.subs, id)
		close(ch)
	}
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		delete(b.topics, topic)
	}
}

// Broadcast delivers msg to every subscriber of topic.
func (b *Bus) Broadcast(topic string, msg Message) {
	b.publish(topic, msg, 0, false)
}

// BroadcastFrom delivers msg to every subscriber of topic except sender.
func (b *Bus) BroadcastFrom(topic string, sender *Subscription, msg Message) {
	b.publish(topic, msg, sender.id, true)
}

// publish delivers msg to topic's subscribers under that topic's own
// lock, not the bus-wide one: two goroutines publishing to the same topic
// concurrently are serialized in the order they take the topic lock, so
// per-(topic, subscriber) FIFO holds even under concurrent publishers.
// Publishes to different topics proceed independently. The per-subscriber
// select/default still means a publisher is never blocked by a single
// slow consumer within the topic.
func (b *Bus) publish(topic string, msg Message, exclude SubscriberID, hasExclude bool) {
	b.mu.RLock()
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.subs {
		if hasExclude && id == exclude {
			continue
		}
		select {
		case ch <- msg:
		default:
			if b.onSlow != nil {
				b.onSlow(topic, id)
			}
		}
	}
}

// SubscriberCount reports how many subscribers a topic currently has; it
// exists for tests asserting fan-out counts.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	t := b.topics[topic]
	b.mu.RUnlock()
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
