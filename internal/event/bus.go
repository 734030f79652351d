// Package event provides the per-tab notification bus.
//
// Subscribers are called directly so payloads keep their Go types. Every
// event is also mirrored as JSON onto a watermill topic for observers that
// only want a serialized feed, such as the CLI's --json mode. The mirror
// keeps publish order: a publish waits until mirror consumers have acked
// the message, so a consumer that stops acking stalls the tab.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// MirrorTopic is the watermill topic carrying JSON copies of every event.
const MirrorTopic = "tab.events"

// Event is a notification published on a tab's bus.
type Event struct {
	Type  EventType `json:"type"`
	TabID string    `json:"tabId"`
	Data  any       `json:"data"`
}

// Subscriber receives events.
type Subscriber func(event Event)

type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus fans events out to subscribers of one tab.
type Bus struct {
	mu sync.RWMutex

	pubsub *gochannel.GoChannel
	// mirrorMu keeps concurrent publishers from interleaving on the mirror.
	mirrorMu sync.Mutex

	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256, BlockPublishUntilSubscriberAck: true},
			watermill.NopLogger{},
		),
		subscribers: make(map[EventType][]subscriberEntry),
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := atomic.AddUint64(&b.nextID, 1)
	b.global = append(b.global, subscriberEntry{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.global {
			if entry.id == id {
				b.global = append(b.global[:i:i], b.global[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) collect(eventType EventType) ([]Subscriber, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, false
	}
	subs := make([]Subscriber, 0, len(b.subscribers[eventType])+len(b.global))
	for _, entry := range b.subscribers[eventType] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	return subs, true
}

// Publish delivers the event to each subscriber in its own goroutine.
func (b *Bus) Publish(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	for _, sub := range subs {
		go sub(event)
	}
	b.mirror(event)
}

// PublishSync delivers the event in the calling goroutine, in
// subscription order, before returning. Callers must not hold locks a
// subscriber could need.
func (b *Bus) PublishSync(event Event) {
	subs, ok := b.collect(event.Type)
	if !ok {
		return
	}
	for _, sub := range subs {
		sub(event)
	}
	b.mirror(event)
}

func (b *Bus) mirror(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()
	_ = b.pubsub.Publish(MirrorTopic, message.NewMessage(watermill.NewUUID(), payload))
}

// Mirror returns the JSON feed of events published after the call, in
// publish order. Consumers must Ack each message before the next one
// is delivered.
func (b *Bus) Mirror(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, MirrorTopic)
}

// Close drops all subscribers and stops the mirror.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
