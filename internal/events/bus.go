package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// DefaultQueueSize is the number of events buffered per subscriber.
const DefaultQueueSize = 1024

// EventBus is an asynchronous publish-subscribe bus. Phases publish to it;
// the journal, metrics, MQTT publisher and console subscribe.
//
// Every subscriber has its own queue and worker goroutine, so it sees events
// in emission order. Emit never blocks: when a subscriber's queue is full the
// event is dropped for that subscriber and counted.
type EventBus struct {
	mu        sync.RWMutex
	subs      map[EventType][]*subscriber
	queueSize int
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

type queued struct {
	ctx   context.Context
	event Event
}

type subscriber struct {
	name    string
	handler HandlerFunc
	queue   chan queued
	dropped atomic.Uint64
}

// NewEventBus creates a bus with DefaultQueueSize subscriber queues.
func NewEventBus() *EventBus {
	return NewEventBusSize(DefaultQueueSize)
}

// NewEventBusSize creates a bus whose subscribers buffer up to size events.
func NewEventBusSize(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{
		subs:      make(map[EventType][]*subscriber),
		queueSize: size,
		stopCh:    make(chan struct{}),
	}
}

// Subscribe registers a handler for one event type, or for every type with
// EventAny. The name is used for logging and Unsubscribe.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.stopped {
		return
	}

	s := &subscriber{name: name, handler: handler, queue: make(chan queued, eb.queueSize)}
	eb.subs[eventType] = append(eb.subs[eventType], s)

	eb.wg.Add(1)
	go func() {
		defer eb.wg.Done()
		for q := range s.queue {
			s.run(q.ctx, q.event)
		}
	}()

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes a named handler from an event type. Events already
// queued for it are still delivered.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.subs[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s.name == name {
			close(s.queue)
			continue
		}
		kept = append(kept, s)
	}
	eb.subs[eventType] = kept

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("unsubscribed from event")
}

// targets returns the subscribers of an event. Caller holds the read lock.
func (eb *EventBus) targets(t EventType) []*subscriber {
	specific := eb.subs[t]
	wildcard := eb.subs[EventAny]
	if len(wildcard) == 0 {
		return specific
	}
	out := make([]*subscriber, 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	return append(out, wildcard...)
}

func (s *subscriber) run(ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	err = s.handler(ctx, event)
	if err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Emit queues an event for every subscriber and returns immediately.
// Handlers get ctx without its cancellation, since they may run after the
// emitting phase has ended.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	q := queued{ctx: context.WithoutCancel(ctx), event: event}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for _, s := range eb.targets(event.Type) {
		select {
		case s.queue <- q:
		default:
			// log the first drop and then every 1000th
			if n := s.dropped.Add(1); n == 1 || n%1000 == 0 {
				log.Warn().
					Str("event", string(event.Type)).
					Str("handler", s.name).
					Uint64("dropped", n).
					Msg("subscriber queue full, event dropped")
			}
		}
	}
}

// EmitSync runs every handler of the event in the calling goroutine and
// returns the first error. It does not wait for events queued by Emit.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := append([]*subscriber(nil), eb.targets(event.Type)...)
	eb.mu.RUnlock()

	var firstErr error
	for _, s := range subs {
		if err := s.run(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops accepting events and waits until every queued event has been
// handled.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	for _, subs := range eb.subs {
		for _, s := range subs {
			close(s.queue)
		}
	}
	eb.subs = make(map[EventType][]*subscriber)
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh returns a channel that is closed when the EventBus is stopped.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for an event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}

// Dropped returns how many events were dropped for the named handlers
// because their queues were full.
func (eb *EventBus) Dropped() map[string]uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	out := make(map[string]uint64)
	for _, subs := range eb.subs {
		for _, s := range subs {
			out[s.name] += s.dropped.Load()
		}
	}
	return out
}
