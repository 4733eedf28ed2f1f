/*
Package events implements the Emit(Events) pipeline step named by the
CRUD/Enrich/Restore engines (§4.7-§4.9): an in-memory, non-blocking
pub/sub broker mutations publish to on successful commit. Per the
out-of-scope note in §1 ("represented only as the interfaces/event
streams the core emits, never implemented end-to-end"), this broker is
the whole of that surface - there is no durable event log, no delivery
guarantee, and no consumer shipped with this module; it exists so a
host process can bridge chronos-db mutations onto whatever message bus
it actually runs (Kafka, NATS, SNS, ...).

Adapted from the teacher's pkg/events (same Broker/Subscriber/Publish
mechanics, buffered channels, non-blocking broadcast), with EventType
retargeted from cluster lifecycle events to item mutation events.
*/
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of mutation an Event reports.
type EventType string

const (
	EventItemCreated  EventType = "item.created"
	EventItemUpdated  EventType = "item.updated"
	EventItemDeleted  EventType = "item.deleted"
	EventItemEnriched EventType = "item.enriched"
	EventItemRestored EventType = "item.restored"

	EventFallbackReplayed     EventType = "fallback.replayed"
	EventFallbackDeadLettered EventType = "fallback.dead_lettered"
)

// Event reports one completed mutation or fallback replay outcome.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes published Events to every live Subscriber,
// dropping events for subscribers whose buffer is full rather than
// blocking the mutation that published them.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a Broker. Call Start to begin distributing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in a background goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish hands event to the distribution loop without blocking the
// caller beyond the internal buffer; if the broker has been stopped or
// the buffer is full, the event is silently dropped - a mutation never
// fails because no one is listening.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
