// Package monitor wires the fetcher, the price feed, the scheduler, the state
// store and the alerting engine into one service. Main builds a single Monitor
// and hands it to the HTTP layer and the Telegram bot.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/alerting"
	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/cache"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/metrics"
	"github.com/web3-frozen/lending-monitor/internal/prices"
	"github.com/web3-frozen/lending-monitor/internal/registry"
	"github.com/web3-frozen/lending-monitor/internal/scheduler"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// PriceLoopID is the scheduler id of the token price loop.
const PriceLoopID = "prices"

// SnapshotFetcher loads the status of one section.
type SnapshotFetcher interface {
	BorrowStatus(ctx context.Context, q lending.BorrowQuery) (lending.BorrowStatus, error)
	LoanStatus(ctx context.Context, q lending.LoanQuery) (lending.LoanStatus, error)
}

// PriceFeed resolves spot USD prices.
type PriceFeed interface {
	Fetch(ctx context.Context, tokens []prices.TokenRef) (map[string]prices.Quote, error)
}

// Converter turns USD quotes into another currency.
type Converter interface {
	Convert(ctx context.Context, quotes map[string]prices.Quote, currency string) (map[string]prices.Quote, error)
}

// Names labels addresses for messages.
type Names interface {
	MarketName(addr string) string
	ObligationName(addr string) string
	TokenByID(id string) (registry.Token, bool)
}

// Intervals are the polling periods per loop kind.
type Intervals struct {
	Borrow time.Duration
	Loan   time.Duration
	Prices time.Duration
}

// DefaultIntervals match the cache lifetimes of the status endpoints.
var DefaultIntervals = Intervals{
	Borrow: 30 * time.Second,
	Loan:   60 * time.Second,
	Prices: 30 * time.Second,
}

type Monitor struct {
	store     *state.Store
	fetcher   SnapshotFetcher
	feed      PriceFeed
	alerts    *alerting.Engine
	sched     *scheduler.Scheduler
	fx        Converter
	names     Names
	cache     *cache.Cache
	persist   state.Persister
	intervals Intervals
	now       func() time.Time
	logger    *slog.Logger
}

type Option func(*Monitor)

func WithScheduler(s *scheduler.Scheduler) Option {
	return func(m *Monitor) { m.sched = s }
}

func WithIntervals(iv Intervals) Option {
	return func(m *Monitor) {
		if iv.Borrow > 0 {
			m.intervals.Borrow = iv.Borrow
		}
		if iv.Loan > 0 {
			m.intervals.Loan = iv.Loan
		}
		if iv.Prices > 0 {
			m.intervals.Prices = iv.Prices
		}
	}
}

func WithConverter(c Converter) Option {
	return func(m *Monitor) { m.fx = c }
}

func WithNames(n Names) Option {
	return func(m *Monitor) { m.names = n }
}

// WithCache lets the monitor evict cached endpoint responses of removed
// sections.
func WithCache(c *cache.Cache) Option {
	return func(m *Monitor) { m.cache = c }
}

// WithPersister saves every accepted snapshot so a restart can show it
// before the first poll.
func WithPersister(p state.Persister) Option {
	return func(m *Monitor) { m.persist = p }
}

func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

func New(st *state.Store, fetcher SnapshotFetcher, feed PriceFeed, alerts *alerting.Engine, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		store:     st,
		fetcher:   fetcher,
		feed:      feed,
		alerts:    alerts,
		intervals: DefaultIntervals,
		now:       time.Now,
		logger:    logger.With("component", "monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sched == nil {
		m.sched = scheduler.New(logger)
	}
	return m
}

// Store exposes the state store for read paths.
func (m *Monitor) Store() *state.Store { return m.store }

// Start loads persisted state and starts one loop per section plus the price
// loop.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.store.Load(ctx); err != nil {
		return err
	}
	for _, sec := range m.store.Sections() {
		if err := m.startSection(sec); err != nil {
			return err
		}
	}
	if err := m.sched.Start(PriceLoopID, m.intervals.Prices, m.pollPrices); err != nil {
		return fmt.Errorf("start price loop: %w", err)
	}
	m.logger.Info("monitor started", "sections", len(m.store.Sections()))
	return nil
}

// Shutdown stops every loop and waits for pending deliveries.
func (m *Monitor) Shutdown() {
	m.sched.Shutdown()
	m.alerts.Wait()
}

// Interval returns the polling period of a section kind.
func (m *Monitor) Interval(k state.Kind) time.Duration {
	if k == state.KindBorrow {
		return m.intervals.Borrow
	}
	return m.intervals.Loan
}

func (m *Monitor) startSection(sec state.Section) error {
	if err := m.sched.Start(sec.ID, m.Interval(sec.Kind), m.pollTask(sec)); err != nil {
		return fmt.Errorf("start section %s: %w", sec.ID, err)
	}
	return nil
}

// AddSection registers a section and starts polling it. Adding a borrow
// section that already exists returns that section and
// state.ErrDuplicateSection without starting a second loop.
func (m *Monitor) AddSection(ctx context.Context, sec state.Section) (state.Section, error) {
	sec, err := m.store.AddSection(ctx, sec)
	if err != nil {
		return sec, err
	}
	if err := m.startSection(sec); err != nil {
		return sec, err
	}
	m.logger.Info("section added", "id", sec.ID, "kind", sec.Kind, "market", sec.Market, "subject", sec.Subject)
	return sec, nil
}

// RemoveSection unregisters a section, stops its loop and forgets its latches
// and cached responses. A fetch still in flight can no longer write.
func (m *Monitor) RemoveSection(ctx context.Context, id string) error {
	sec, ok := m.store.Section(id)
	if err := m.store.RemoveSection(ctx, id); err != nil {
		return err
	}
	m.sched.Stop(id)
	m.alerts.ResetSection(ctx, id)
	metrics.SnapshotAge.DeleteLabelValues(id)
	metrics.LoanToValue.DeleteLabelValues(id)

	if ok && m.cache != nil {
		endpoint := cache.BorrowStatus
		if sec.Kind == state.KindLoan {
			endpoint = cache.LoanStatus
		}
		if err := m.cache.EvictPrefix(ctx, endpoint, cache.Key(sec.Market, sec.Subject)+":"); err != nil {
			m.logger.Warn("evict cached status", "section", id, "error", err)
		}
	}
	m.logger.Info("section removed", "id", id)
	return nil
}

// SetAlert replaces the alert of a token. The token's latch is re-armed so
// only the new definition is evaluated from now on.
func (m *Monitor) SetAlert(ctx context.Context, a state.Alert) (state.Alert, error) {
	a.TokenID = strings.TrimSpace(a.TokenID)
	return m.store.SetAlertWith(ctx, a, m.alerts.Rearm(ctx, alerting.PriceKey(a.TokenID)))
}

func (m *Monitor) RemoveAlert(ctx context.Context, tokenID string) error {
	return m.store.RemoveAlertWith(ctx, tokenID, m.alerts.Rearm(ctx, alerting.PriceKey(tokenID)))
}

// SectionView is a section with its latest snapshot and loop state.
type SectionView struct {
	Section     state.Section   `json:"section"`
	Snapshot    *state.Snapshot `json:"snapshot,omitempty"`
	Label       string          `json:"label"`
	Stale       bool            `json:"stale"`
	Loading     bool            `json:"loading"`
	LastSuccess *time.Time      `json:"lastSuccess,omitempty"`
}

// View returns one section as the dashboard shows it.
func (m *Monitor) View(id string) (SectionView, error) {
	sec, ok := m.store.Section(id)
	if !ok {
		return SectionView{}, apperr.NotFound("section", id)
	}
	return m.view(sec), nil
}

// Views lists every section, oldest first.
func (m *Monitor) Views() []SectionView {
	secs := m.store.Sections()
	out := make([]SectionView, 0, len(secs))
	for _, sec := range secs {
		out = append(out, m.view(sec))
	}
	return out
}

func (m *Monitor) view(sec state.Section) SectionView {
	v := SectionView{Section: sec, Label: m.label(sec), Loading: true}
	if snap, ok := m.store.Snapshot(sec.ID); ok {
		v.Snapshot = &snap
		v.Stale = snap.Stale(m.now(), m.Interval(sec.Kind))
		v.Loading = snap.Rehydrated || (!snap.HasPayload() && snap.Err == "")
	}
	if t, ok := m.sched.LastSuccess(sec.ID); ok {
		v.LastSuccess = &t
	}
	return v
}

func (m *Monitor) label(sec state.Section) string {
	if m.names == nil {
		return sec.Subject
	}
	if sec.Kind == state.KindLoan {
		return m.names.ObligationName(sec.Subject)
	}
	return m.names.MarketName(sec.Market)
}
