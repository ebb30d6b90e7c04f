package feed

import (
	"context"
	"sync"
	"time"
)

// Event signals that the data behind a topic changed. Receivers re-read the topic; events carry no payload.
type Event struct {
	Topic     string
	Sequence  int64
	Timestamp time.Time
}

// Dispatcher fans change events out to per-topic subscribers.
// Each subscriber holds at most one pending event: bursts coalesce into a single re-read.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	sequence    int64
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		clock:       time.Now,
	}
}

// Subscribe registers for events on topic until ctx ends or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, 1),
	}
	d.registerSubscriber(topic, sub)

	var once sync.Once
	unregister := func() {
		once.Do(func() {
			d.unregisterSubscriber(topic, sub.id)
		})
	}
	stop := context.AfterFunc(ctx, unregister)
	cleanup := func() {
		stop()
		unregister()
	}
	return sub.stream, cleanup
}

// Publish notifies every subscriber of topic without blocking.
func (d *Dispatcher) Publish(topic string) {
	if topic == "" {
		return
	}
	d.mu.Lock()
	d.sequence++
	event := Event{Topic: topic, Sequence: d.sequence, Timestamp: d.clock().UTC()}
	subscribers := d.subscribers[topic]
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.Unlock()

	for _, sub := range copies {
		select {
		case sub.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are registered for topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregisterSubscriber(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
