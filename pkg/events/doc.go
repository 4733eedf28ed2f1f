/*
Package events provides an in-memory event broker for chronos-db's
mutation notifications.

The events package implements a lightweight event bus for broadcasting
item-mutation outcomes to interested subscribers inside the same
process. It is the entirety of the Emit(Events) pipeline step named by
the CRUD/Enrich/Restore engines: a host process wires a Subscriber to
whatever downstream system it actually runs (Kafka, NATS, SNS, an
audit log) rather than this package shipping one itself.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Non-blocking publish                     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                  │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Item Events:                               │          │
	│  │    - item.created                           │          │
	│  │    - item.updated                           │          │
	│  │    - item.deleted                           │          │
	│  │    - item.enriched                          │          │
	│  │    - item.restored                          │          │
	│  │                                              │          │
	│  │  Fallback Events:                           │          │
	│  │    - fallback.replayed                      │          │
	│  │    - fallback.dead_lettered                 │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Host process: bridge to Kafka/NATS/SNS     │          │
	│  │  Audit log: record every mutation           │          │
	│  │  Metrics: count events for dashboards       │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Non-blocking publish (buffered channel, drops rather than blocks)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (item.created, fallback.replayed, etc.)
  - Timestamp: When the event occurred (set by Publish if zero)
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context (itemId, ov, cv, ...)

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Caller calls broker.Publish(event)
 2. Event added to main event channel (non-blocking: dropped if full)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created and registered
 3. Subscriber receives events via channel, in its own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map and closed

# Usage

Creating and Starting a Broker:

	import "github.com/cuemby/chronos-db/pkg/events"

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing to Events:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing Events:

	broker.Publish(&events.Event{
		Type:    events.EventItemCreated,
		Message: "item created",
		Metadata: map[string]string{
			"itemId": id,
			"cv":     fmt.Sprint(cv),
		},
	})

# Design Patterns

Non-Blocking Publish:
  - Publish sends to a buffered channel and returns immediately
  - Events are dropped, never block, if the buffer is full or nobody
    has started the broker - a mutation must never fail or stall
    because no one is listening

Fan-Out Pattern:
  - Single event broadcast to all subscribers, each on its own
    channel; a full subscriber buffer is skipped rather than stalling
    the broadcast loop or the other subscribers

Fire-and-Forget:
  - No acknowledgment from subscribers, no retry on delivery failure
  - Suitable for notification/audit, not for anything requiring
    guaranteed delivery

# Limitations

This broker is intentionally minimal:
  - In-memory only, no persistence, no replay, no history
  - No guaranteed delivery - best effort only
  - No topic-based filtering - every subscriber sees every event
  - No ordering guarantee across event types

A host process that needs durable delivery should subscribe and
forward events into a real message bus itself; this package does not
attempt to be one.

# See Also

  - pkg/engine for the Create/Update/Delete/Enrich/Restore operations
    that publish item.* events on success
  - pkg/fallback for the worker that publishes fallback.* events on
    replay and dead-letter
*/
package events
