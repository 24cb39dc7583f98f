// Package alerting turns observed conditions into notifications. Every
// condition key has a two-state latch: only the Normal to Triggered edge
// notifies, and going back to Normal re-arms it silently.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/metrics"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// Latches stores which condition keys are Triggered. Unknown keys are Normal.
type Latches interface {
	AlreadySent(ctx context.Context, key string) bool
	Record(ctx context.Context, key string) error
	Clear(ctx context.Context, key string) error
	ClearByPrefix(ctx context.Context, prefix string) error
}

// Sink receives fired notifications.
type Sink interface {
	AppendNotification(n state.Notification) state.Notification
}

// Notifier delivers a notification outside the process.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, n state.Notification) error
}

// Condition is one observation of a condition key.
type Condition struct {
	Key     string
	Kind    string
	Active  bool
	Message string
	// Current, when set, is checked under the engine lock; a false result
	// drops the observation because its definition changed meanwhile.
	Current func() bool
}

type Engine struct {
	latches   Latches
	sink      Sink
	notifiers []Notifier
	logger    *slog.Logger
	timeout   time.Duration

	mu sync.Mutex
	wg sync.WaitGroup
}

func NewEngine(latches Latches, sink Sink, logger *slog.Logger, notifiers ...Notifier) *Engine {
	return &Engine{
		latches:   latches,
		sink:      sink,
		notifiers: notifiers,
		logger:    logger.With("component", "alerting"),
		timeout:   15 * time.Second,
	}
}

// Observe feeds one observation through the latch of c.Key and reports
// whether it fired.
func (e *Engine) Observe(ctx context.Context, c Condition) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.Current != nil && !c.Current() {
		return false
	}
	triggered := e.latches.AlreadySent(ctx, c.Key)

	switch {
	case c.Active && triggered:
		metrics.AlertsDeduplicatedTotal.WithLabelValues(c.Kind).Inc()
		return false
	case c.Active:
		if err := e.latches.Record(ctx, c.Key); err != nil {
			// Without a latch the next poll would fire again.
			e.logger.Error("record latch", "key", c.Key, "error", err)
			return false
		}
		e.fire(c)
		return true
	case triggered:
		if err := e.latches.Clear(ctx, c.Key); err != nil {
			e.logger.Error("clear latch", "key", c.Key, "error", err)
		}
	}
	return false
}

// Reset re-arms key, e.g. after its alert definition changed.
func (e *Engine) Reset(ctx context.Context, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.latches.Clear(ctx, key); err != nil {
		e.logger.Error("reset latch", "key", key, "error", err)
	}
}

// Rearm returns a commit hook for state.Store: the hook applies an alert
// redefinition and re-arms key with no observation running between the two.
// The hook only runs once the new definition is persisted.
func (e *Engine) Rearm(ctx context.Context, key string) func(apply func()) {
	return func(apply func()) {
		e.mu.Lock()
		defer e.mu.Unlock()
		apply()
		if err := e.latches.Clear(ctx, key); err != nil {
			e.logger.Error("reset latch", "key", key, "error", err)
		}
	}
}

// ResetSection re-arms every condition of a section.
func (e *Engine) ResetSection(ctx context.Context, sectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, prefix := range []string{"loan:" + sectionID + ":", "borrow:" + sectionID + ":"} {
		if err := e.latches.ClearByPrefix(ctx, prefix); err != nil {
			e.logger.Error("reset section latches", "section", sectionID, "error", err)
		}
	}
}

// Wait blocks until in-flight deliveries finish.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) fire(c Condition) {
	n := e.sink.AppendNotification(state.Notification{
		Key:     c.Key,
		Kind:    c.Kind,
		Message: c.Message,
	})
	e.logger.Info("condition triggered", "key", c.Key, "message", c.Message)

	for _, nt := range e.notifiers {
		e.wg.Add(1)
		go func(nt Notifier) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := nt.Notify(ctx, n); err != nil {
				metrics.AlertsFailedTotal.WithLabelValues(nt.Name(), c.Kind).Inc()
				e.logger.Error("deliver notification", "notifier", nt.Name(), "key", c.Key, "error", err)
				return
			}
			metrics.AlertsSentTotal.WithLabelValues(nt.Name(), c.Kind).Inc()
		}(nt)
	}
}
