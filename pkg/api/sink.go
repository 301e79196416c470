package api

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventSink receives every state transition and major loop decision.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay orchestration.
type EventSink interface {
	Publish(ctx context.Context, name string, payload map[string]any)
}

// Event is a published event as captured by ChannelSink.
type Event struct {
	Name    string
	At      time.Time
	Payload map[string]any
}

// NoopSink is an EventSink that does nothing.
// It is used as the default when no sink is configured.
type NoopSink struct{}

func (NoopSink) Publish(ctx context.Context, name string, payload map[string]any) {}

// CompositeSink fans out events to multiple sinks.
type CompositeSink struct {
	sinks []EventSink
}

// NewCompositeSink creates a sink that forwards events to each non-nil sink.
func NewCompositeSink(sinks ...EventSink) EventSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		return NoopSink{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeSink{sinks: filtered}
}

func (c *CompositeSink) Publish(ctx context.Context, name string, payload map[string]any) {
	for _, s := range c.sinks {
		s.Publish(ctx, name, payload)
	}
}

// LoggingSink writes structured logs using log/slog.
type LoggingSink struct {
	Logger *slog.Logger
}

// NewLoggingSink creates a sink that logs events using the provided logger.
// If logger is nil, slog.Default() is used.
func NewLoggingSink(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{Logger: logger}
}

func (s *LoggingSink) Publish(ctx context.Context, name string, payload map[string]any) {
	level := slog.LevelDebug
	switch name {
	case EventNoViableSteps, EventStepClaimConflict:
		level = slog.LevelWarn
	case EventTaskFinalized:
		level = slog.LevelInfo
		if payload[KeyDecision] == string(DecisionBlocked) {
			level = slog.LevelError
		}
	case EventStepTransitioned, EventTaskTransitioned:
		if payload[KeyToState] == string(StateError) {
			level = slog.LevelWarn
		}
	case EventTaskSubmitted:
		level = slog.LevelInfo
	}

	attrs := make([]slog.Attr, 0, len(payload))
	for k, v := range payload {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.Logger.LogAttrs(ctx, level, name, attrs...)
}

// BasicMetrics collects simple counters from published events.
// It can be combined with LoggingSink via NewCompositeSink.
type BasicMetrics struct {
	tasksSubmitted  atomic.Int64
	tasksCompleted  atomic.Int64
	tasksBlocked    atomic.Int64
	tasksCancelled  atomic.Int64
	stepsDispatched atomic.Int64
	stepsCompleted  atomic.Int64
	stepsFailed     atomic.Int64
	claimConflicts  atomic.Int64
	transitions     atomic.Int64
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksBlocked   int64
	TasksCancelled int64
	ActiveTasks    int64

	StepsDispatched int64
	StepsCompleted  int64
	StepsFailed     int64
	ClaimConflicts  int64
	Transitions     int64
}

func (m *BasicMetrics) Publish(ctx context.Context, name string, payload map[string]any) {
	switch name {
	case EventTaskSubmitted:
		m.tasksSubmitted.Add(1)
	case EventStepDispatched:
		m.stepsDispatched.Add(1)
	case EventStepClaimConflict:
		m.claimConflicts.Add(1)
	case EventTaskTransitioned:
		m.transitions.Add(1)
		switch payload[KeyToState] {
		case string(StateComplete):
			m.tasksCompleted.Add(1)
		case string(StateError):
			m.tasksBlocked.Add(1)
		case string(StateCancelled):
			m.tasksCancelled.Add(1)
		}
	case EventStepTransitioned:
		m.transitions.Add(1)
		switch payload[KeyToState] {
		case string(StateComplete):
			m.stepsCompleted.Add(1)
		case string(StateError):
			m.stepsFailed.Add(1)
		}
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	submitted := m.tasksSubmitted.Load()
	completed := m.tasksCompleted.Load()
	blocked := m.tasksBlocked.Load()
	cancelled := m.tasksCancelled.Load()

	return BasicMetricsSnapshot{
		TasksSubmitted:  submitted,
		TasksCompleted:  completed,
		TasksBlocked:    blocked,
		TasksCancelled:  cancelled,
		ActiveTasks:     submitted - completed - blocked - cancelled,
		StepsDispatched: m.stepsDispatched.Load(),
		StepsCompleted:  m.stepsCompleted.Load(),
		StepsFailed:     m.stepsFailed.Load(),
		ClaimConflicts:  m.claimConflicts.Load(),
		Transitions:     m.transitions.Load(),
	}
}

// ChannelSink delivers events on a buffered channel for in-process
// consumers. Publish never blocks: when the buffer is full the event is
// dropped and counted.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64
	once    sync.Once
	closed  atomic.Bool
}

// NewChannelSink creates a ChannelSink with the given buffer size
// (default 256 when size <= 0).
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Publish(ctx context.Context, name string, payload map[string]any) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- Event{Name: name, At: time.Now(), Payload: payload}:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the channel consumers read from.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops delivery and closes the channel. Publishing concurrently with
// Close is not supported.
func (s *ChannelSink) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
	})
}
