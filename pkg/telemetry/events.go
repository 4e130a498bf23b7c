package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types. Run events carry RunID and Host, object events also
// Object, and object.failed the failing Phase.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeObjectCreated = "object.created"
	EventTypeObjectDone    = "object.done"
	EventTypeObjectFailed  = "object.failed"
	EventTypeSweep         = "engine.sweep"
)

// Event severities.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// Event is a state change of a run or one of its objects.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	Host      string    `json:"host,omitempty"`
	Object    string    `json:"object,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
}

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber sees.
type EventFilter func(event Event) bool

type subscription struct {
	handle EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. Synchronous publishers
// call subscribers on the publishing goroutine, so a subscriber has seen
// an event when Publish returns. Asynchronous publishers queue events
// and deliver them from one goroutine, still in publishing order.
type EventPublisher struct {
	config EventsConfig

	mu   sync.RWMutex
	subs []subscription

	queue  chan Event
	stop   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// NewEventPublisher returns a publisher for cfg. A disabled publisher
// drops every event.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{config: cfg, stop: make(chan struct{})}
	if cfg.Enabled && cfg.EnableAsync {
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.loop()
	}
	return ep
}

// Publish fills in the ID, timestamp and level of event when unset and
// delivers it. An asynchronous publisher fails when its buffer is full.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	if ep.queue == nil {
		ep.deliver(event)
		return nil
	}
	select {
	case <-ep.stop:
		return errPublisherStopped
	default:
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return errBufferFull
	}
}

func runEvent(kind, runID, host, message string) Event {
	return Event{Type: kind, RunID: runID, Host: host, Message: message}
}

func objectEvent(kind, runID, host, object, message string) Event {
	ev := runEvent(kind, runID, host, message)
	ev.Object = object
	return ev
}

func (ep *EventPublisher) PublishRunStarted(runID, host string) error {
	return ep.Publish(runEvent(EventTypeRunStarted, runID, host, "configuring "+host))
}

func (ep *EventPublisher) PublishRunCompleted(runID, host string, duration time.Duration) error {
	return ep.Publish(runEvent(EventTypeRunCompleted, runID, host,
		fmt.Sprintf("%s configured in %s", host, duration.Round(time.Millisecond))))
}

func (ep *EventPublisher) PublishRunFailed(runID, host, reason string) error {
	ev := runEvent(EventTypeRunFailed, runID, host, reason)
	ev.Level = EventLevelError
	return ep.Publish(ev)
}

func (ep *EventPublisher) PublishObjectCreated(runID, host, object string) error {
	return ep.Publish(objectEvent(EventTypeObjectCreated, runID, host, object, "declared"))
}

func (ep *EventPublisher) PublishObjectDone(runID, host, object string) error {
	return ep.Publish(objectEvent(EventTypeObjectDone, runID, host, object, "done"))
}

// PublishObjectFailed reports the phase of object that failed with reason.
func (ep *EventPublisher) PublishObjectFailed(runID, host, object, phase, reason string) error {
	ev := objectEvent(EventTypeObjectFailed, runID, host, object, reason)
	ev.Phase = phase
	ev.Level = EventLevelError
	return ep.Publish(ev)
}

// Subscribe registers handle for the events accepted by filter. A nil
// filter accepts every event.
func (ep *EventPublisher) Subscribe(handle EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subs = append(ep.subs, subscription{handle: handle, filter: filter})
}

func (ep *EventPublisher) loop() {
	defer ep.wg.Done()
	for {
		select {
		case ev := <-ep.queue:
			ep.deliver(ev)
		case <-ep.stop:
			// drain what was queued before Shutdown
			for {
				select {
				case ev := <-ep.queue:
					ep.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.handle(event)
		}
	}
}

// Shutdown stops accepting events and waits until queued events are
// delivered or ctx is done.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil {
		return nil
	}
	ep.closed.Do(func() { close(ep.stop) })

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByHost accepts events of runs against host.
func FilterByHost(host string) EventFilter {
	return func(event Event) bool {
		return event.Host == host
	}
}
