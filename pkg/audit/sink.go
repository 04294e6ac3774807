package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// AsyncSink wraps a Logger with a bounded channel and a dedicated drain
// goroutine, so that a slow or failing backing store never blocks or
// fails the caller's request (spec §7: "The audit sink never fails the
// request: if persistence fails, a local fallback is used and a
// sink_degraded metric increments"). When the channel is full, the
// event is dropped and a dropped-event counter increments rather than
// applying backpressure to the caller.
type AsyncSink struct {
	backing  Logger
	fallback Logger // stderr/stdout logger used when backing fails
	events   chan asyncEvent
	log      *slog.Logger

	dropped  atomic.Int64
	degraded atomic.Int64

	wg     sync.WaitGroup
	closed chan struct{}
}

type asyncEvent struct {
	ctx context.Context
	evt Event
}

// NewAsyncSink builds an AsyncSink with the given buffer size (0 uses a
// sensible default). fallback may be nil to use NewLogger() (stdout).
func NewAsyncSink(backing Logger, fallback Logger, bufferSize int, log *slog.Logger) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if fallback == nil {
		fallback = NewLogger()
	}
	if log == nil {
		log = slog.Default()
	}
	s := &AsyncSink{
		backing:  backing,
		fallback: fallback,
		events:   make(chan asyncEvent, bufferSize),
		log:      log,
		closed:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.drain()
	return s
}

// Record implements Logger by building an Event and handing it to Emit.
func (s *AsyncSink) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	return s.Emit(ctx, Event{
		Type:     eventType,
		Action:   action,
		Resource: resource,
		Metadata: metadata,
	})
}

// RecordEvent implements Logger.
func (s *AsyncSink) RecordEvent(ctx context.Context, evt Event) error {
	return s.Emit(ctx, evt)
}

// Emit enqueues evt for asynchronous persistence. It never blocks: if
// the buffer is full, the event is dropped and DroppedCount increments.
// Emit itself never returns an error to the caller — audit emission is
// fire-and-forget from the request path's perspective.
func (s *AsyncSink) Emit(ctx context.Context, evt Event) error {
	select {
	case s.events <- asyncEvent{ctx: ctx, evt: evt}:
	default:
		s.dropped.Add(1)
		s.log.Warn("audit: buffer full, dropping event", "action", evt.Action, "tenant_id", evt.TenantID)
	}
	return nil
}

func (s *AsyncSink) drain() {
	defer s.wg.Done()
	for {
		select {
		case ae, ok := <-s.events:
			if !ok {
				return
			}
			s.persist(ae)
		case <-s.closed:
			// Drain whatever remains before exiting.
			for {
				select {
				case ae := <-s.events:
					s.persist(ae)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) persist(ae asyncEvent) {
	if err := s.backing.RecordEvent(ae.ctx, ae.evt); err != nil {
		s.degraded.Add(1)
		s.log.Error("audit: backing store failed, using fallback", "error", err, "action", ae.evt.Action)
		_ = s.fallback.RecordEvent(ae.ctx, ae.evt)
	}
}

// DroppedCount returns the number of events dropped due to buffer overflow.
func (s *AsyncSink) DroppedCount() int64 { return s.dropped.Load() }

// DegradedCount returns the number of events that fell back after the
// backing store failed (the sink_degraded metric of spec §7).
func (s *AsyncSink) DegradedCount() int64 { return s.degraded.Load() }

// Close stops the drain goroutine after flushing any buffered events.
func (s *AsyncSink) Close() {
	close(s.closed)
	s.wg.Wait()
}
