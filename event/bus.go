// Package event provides the subscription bus through which job lifecycle
// events and errors are reported to the host application.
//
// Delivery is best-effort and asynchronous: Emit enqueues onto a buffered
// channel drained by a single dispatcher goroutine, so handlers never run
// on the emitting goroutine and emitters may hold internal locks. Events
// are delivered in emission order; when the buffer overflows the event is
// dropped and a warning logged. Handlers must return promptly; a slow
// handler delays every event behind it.
package event

import (
	"log/slog"
	"sync"

	"github.com/stashq/stashq/id"
	"github.com/stashq/stashq/job"
)

// Kind identifies a lifecycle event category.
type Kind string

const (
	KindError    Kind = "error"
	KindEnqueue  Kind = "enqueue"
	KindStart    Kind = "start"
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindFailure  Kind = "failure"
	KindRemove   Kind = "remove"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Kind Kind

	// Job is the affected job. Nil only for Error events with no
	// associated job.
	Job *job.Job

	// Result carries the processor's return value on Complete events.
	Result any

	// Err carries the cause on Failure and Error events.
	Err error

	// Progress carries the clamped 0–100 value on Progress events.
	Progress int
}

// Handler receives events on the bus dispatcher goroutine.
type Handler func(Event)

// defaultBuffer is the emit queue capacity before events are dropped.
const defaultBuffer = 256

type subscription struct {
	id      id.SubscriptionID
	handler Handler
}

// Bus fans events out to subscribed handlers. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind][]subscription
	logger *slog.Logger

	queue chan Event
	done  chan struct{}

	closeOnce sync.Once
}

// Compile-time check: the Bus satisfies the job package's emitter contract.
var _ job.Emitter = (*Bus)(nil)

// NewBus creates an event bus and starts its dispatcher goroutine.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subs:   make(map[Kind][]subscription),
		logger: logger,
		queue:  make(chan Event, defaultBuffer),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for the given kind and returns an
// unsubscribe func. Handlers for the same kind run in subscription order.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	sid := id.NewSubscriptionID()

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{id: sid, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[kind]
		for i, s := range list {
			if s.id == sid {
				b.subs[kind] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}
}

// Emit enqueues an event for delivery. Never blocks: when the buffer is
// full the event is dropped with a warning.
func (b *Bus) Emit(evt Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- evt:
	default:
		b.logger.Warn("event bus buffer full, dropping event",
			slog.String("kind", string(evt.Kind)),
		)
	}
}

// Close stops the dispatcher after draining queued events. Events emitted
// after Close are discarded.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		case <-b.done:
			// Drain what was queued before Close.
			for {
				select {
				case evt := <-b.queue:
					b.deliver(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(evt Event) {
	b.mu.RLock()
	handlers := make([]subscription, len(b.subs[evt.Kind]))
	copy(handlers, b.subs[evt.Kind])
	b.mu.RUnlock()

	for _, s := range handlers {
		b.call(s, evt)
	}
}

// call isolates handler panics so one misbehaving subscriber cannot take
// down the dispatcher.
func (b *Bus) call(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("kind", string(evt.Kind)),
				slog.String("subscription_id", s.id.String()),
				slog.Any("panic", r),
			)
		}
	}()
	s.handler(evt)
}

// ── job.Emitter ─────────────────────────────────────

// EmitJobEnqueued implements job.Emitter.
func (b *Bus) EmitJobEnqueued(j *job.Job) {
	b.Emit(Event{Kind: KindEnqueue, Job: j})
}

// EmitJobStarted implements job.Emitter.
func (b *Bus) EmitJobStarted(j *job.Job) {
	b.Emit(Event{Kind: KindStart, Job: j})
}

// EmitJobProgress implements job.Emitter.
func (b *Bus) EmitJobProgress(j *job.Job, progress int) {
	b.Emit(Event{Kind: KindProgress, Job: j, Progress: progress})
}

// EmitJobCompleted implements job.Emitter.
func (b *Bus) EmitJobCompleted(j *job.Job, result any) {
	b.Emit(Event{Kind: KindComplete, Job: j, Result: result})
}

// EmitJobFailed implements job.Emitter.
func (b *Bus) EmitJobFailed(j *job.Job, err error) {
	b.Emit(Event{Kind: KindFailure, Job: j, Err: err})
}

// EmitJobRemoved implements job.Emitter.
func (b *Bus) EmitJobRemoved(j *job.Job) {
	b.Emit(Event{Kind: KindRemove, Job: j})
}

// EmitError implements job.Emitter. j may be nil when the error has no
// associated job.
func (b *Bus) EmitError(err error, j *job.Job) {
	b.Emit(Event{Kind: KindError, Job: j, Err: err})
}
