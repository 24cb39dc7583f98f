// Package scheduler runs one fixed-delay polling loop per id. Runs of the same
// id never overlap: a tick that comes due while a run is in flight is held
// back and fires once the run returns, however many ticks were missed.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/metrics"
)

// Task is one poll. Its context is cancelled when the loop is stopped.
type Task func(ctx context.Context) error

// Status is the observable state of a loop.
type Status struct {
	ID          string        `json:"id"`
	Interval    time.Duration `json:"interval"`
	Runs        int           `json:"runs"`
	Running     bool          `json:"running"`
	LastStart   time.Time     `json:"lastStart"`
	LastSuccess time.Time     `json:"lastSuccess"`
	LastError   string        `json:"lastError,omitempty"`
}

type Scheduler struct {
	logger     *slog.Logger
	now        func() time.Time
	runTimeout time.Duration

	mu    sync.Mutex
	loops map[string]*loop
	// done channels of stopped loops whose last run may still be in flight
	draining map[string]<-chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

type loop struct {
	id       string
	interval time.Duration
	task     Task
	cancel   context.CancelFunc
	done     chan struct{}

	mu          sync.Mutex
	runs        int
	running     bool
	lastStart   time.Time
	lastSuccess time.Time
	lastErr     error
}

type Option func(*Scheduler)

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRunTimeout bounds every single run.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		loops:    make(map[string]*loop),
		draining: make(map[string]<-chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers id and runs task immediately, then every interval measured
// from the start of the previous run. Starting a registered id replaces its
// loop. Either way the new loop waits for any earlier run of id to return.
func (s *Scheduler) Start(id string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: interval for %s must be positive", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("scheduler: shut down")
	}

	var prev <-chan struct{}
	if old, ok := s.loops[id]; ok {
		old.cancel()
		prev = old.done
	} else {
		metrics.SchedulerLoops.Inc()
		if d, ok := s.draining[id]; ok {
			prev = d
		}
	}
	delete(s.draining, id)

	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{
		id:       id,
		interval: interval,
		task:     task,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.loops[id] = l

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(id, l.done)
		defer close(l.done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		s.run(ctx, l)
	}()
	s.logger.Info("loop started", "id", id, "interval", interval)
	return nil
}

// Stop cancels the loop of id and its in-flight run. It does not wait for the
// run to return; callers must discard late results themselves.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[id]
	if !ok {
		return false
	}
	l.cancel()
	delete(s.loops, id)
	s.draining[id] = l.done
	metrics.SchedulerLoops.Dec()
	s.logger.Info("loop stopped", "id", id)
	return true
}

// Shutdown stops every loop and waits for in-flight runs to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, l := range s.loops {
		l.cancel()
		delete(s.loops, id)
		metrics.SchedulerLoops.Dec()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) forget(id string, done <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining[id] == done {
		delete(s.draining, id)
	}
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	for {
		start := s.now()
		s.exec(ctx, l, start)
		if ctx.Err() != nil {
			return
		}

		wait := l.interval - s.now().Sub(start)
		if wait <= 0 {
			// At least one tick came due during the run; fire once now.
			metrics.PollCoalescedTotal.Inc()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) exec(ctx context.Context, l *loop, start time.Time) {
	l.mu.Lock()
	l.running = true
	l.lastStart = start
	l.mu.Unlock()

	runCtx := ctx
	if s.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.runTimeout)
		defer cancel()
	}

	err := s.call(runCtx, l)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.runs++
	if ctx.Err() != nil {
		// stopped mid-run; the outcome belongs to nobody
		return
	}
	if err != nil {
		l.lastErr = err
		s.logger.Warn("task failed", "id", l.id, "error", err)
		return
	}
	l.lastErr = nil
	l.lastSuccess = s.now()
}

func (s *Scheduler) call(ctx context.Context, l *loop) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("task panicked", "id", l.id, "panic", rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return l.task(ctx)
}

func (s *Scheduler) get(id string) (*loop, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[id]
	return l, ok
}

// Has reports whether id is registered.
func (s *Scheduler) Has(id string) bool {
	_, ok := s.get(id)
	return ok
}

// IDs lists registered ids in sorted order.
func (s *Scheduler) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.loops))
	for id := range s.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSuccess returns when the last run of id succeeded. The zero time means
// it never did.
func (s *Scheduler) LastSuccess(id string) (time.Time, bool) {
	l, ok := s.get(id)
	if !ok {
		return time.Time{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSuccess, true
}

// LastError returns the error of the last run, nil after a success.
func (s *Scheduler) LastError(id string) error {
	l, ok := s.get(id)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

// Stale reports whether id succeeded before but not within its interval.
func (s *Scheduler) Stale(id string, now time.Time) bool {
	l, ok := s.get(id)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.lastSuccess.IsZero() && now.Sub(l.lastSuccess) > l.interval
}

func (s *Scheduler) Status(id string) (Status, bool) {
	l, ok := s.get(id)
	if !ok {
		return Status{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		ID:          l.id,
		Interval:    l.interval,
		Runs:        l.runs,
		Running:     l.running,
		LastStart:   l.lastStart,
		LastSuccess: l.lastSuccess,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	return st, true
}
