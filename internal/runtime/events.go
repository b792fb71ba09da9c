package runtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/agentcore/pkg/models"
)

// EventSink receives agent events during a run.
// Implementations must be safe to call from multiple goroutines and should
// not block.
type EventSink interface {
	Emit(ctx context.Context, e models.AgentEvent)
}

// ChanSink sends events to a channel, dropping events when the channel is full.
type ChanSink struct {
	ch chan<- models.AgentEvent
}

// NewChanSink creates a sink that sends to a buffered channel.
func NewChanSink(ch chan<- models.AgentEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel (non-blocking if full or context cancelled).
func (s *ChanSink) Emit(ctx context.Context, e models.AgentEvent) {
	if e.Type.IsTerminal() {
		// Terminal events are delivered even after cancellation.
		select {
		case s.ch <- e:
		default:
		}
		return
	}
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches events to every non-nil sink.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e models.AgentEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.AgentEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.AgentEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.AgentEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.AgentEvent) {}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

// Emit appends the event.
func (r *Recorder) Emit(ctx context.Context, e models.AgentEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []models.AgentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AgentEvent(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []models.AgentEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// emitter stamps events with the operation id, step index and a monotonic
// sequence number before handing them to a sink.
type emitter struct {
	sink        EventSink
	operationID string
	step        atomic.Int64
	sequence    atomic.Uint64
}

func newEmitter(sink EventSink, operationID string) *emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &emitter{sink: sink, operationID: operationID}
}

func (e *emitter) emit(ctx context.Context, event models.AgentEvent) models.AgentEvent {
	event.Sequence = e.sequence.Add(1)
	if event.OperationID == "" {
		event.OperationID = e.operationID
	}
	if event.StepIndex == 0 {
		event.StepIndex = int(e.step.Load())
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	e.sink.Emit(ctx, event)
	return event
}

type emitterKey struct{}

// Emit publishes a live event from inside an executor, for example a model
// streaming delta. Events returned in a Result are published by the runtime
// and must not also be passed to Emit. Outside a run Emit does nothing.
func Emit(ctx context.Context, event models.AgentEvent) {
	if em, ok := ctx.Value(emitterKey{}).(*emitter); ok && em != nil {
		em.emit(ctx, event)
	}
}

func withEmitter(ctx context.Context, em *emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, em)
}
