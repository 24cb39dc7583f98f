package state

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/metrics"
	"github.com/web3-frozen/lending-monitor/internal/prices"
)

// Persister stores everything that must survive a restart.
type Persister interface {
	SaveSection(ctx context.Context, s Section) error
	DeleteSection(ctx context.Context, id string) error
	LoadSections(ctx context.Context) ([]Section, error)

	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshots(ctx context.Context) ([]Snapshot, error)

	SaveAlert(ctx context.Context, a Alert) error
	DeleteAlert(ctx context.Context, tokenID string) error
	LoadAlerts(ctx context.Context) ([]Alert, error)

	SavePriceConfig(ctx context.Context, p PriceConfig) error
	DeletePriceConfig(ctx context.Context, id string) error
	LoadPriceConfigs(ctx context.Context) ([]PriceConfig, error)

	SavePreferences(ctx context.Context, p Preferences) error
	LoadPreferences(ctx context.Context) (Preferences, bool, error)
}

const defaultNotificationLimit = 200

// Store is safe for concurrent use. Mutations that must survive a restart
// are written through the Persister before they become visible.
//
// writeMu serializes persisted mutations and is held across the Persister
// call; mu guards the maps and is never held while the Persister runs, so a
// slow database delays other persisted mutations only.
type Store struct {
	logger  *slog.Logger
	persist Persister
	now     func() time.Time
	limit   int

	writeMu sync.Mutex

	mu            sync.RWMutex
	sections      map[string]Section
	seqs          map[string]uint64
	snapshots     map[string]Snapshot
	prices        map[string]PriceSnapshot
	alerts        map[string]Alert
	alertRev      uint64
	priceConfigs  map[string]PriceConfig
	notifications []Notification // oldest first
	prefs         Preferences

	subMu sync.Mutex
	subs  map[*subscriber]struct{}
}

type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persist = p }
}

// WithNotificationLimit bounds the notification ring.
func WithNotificationLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		logger:       logger.With("component", "state"),
		now:          time.Now,
		limit:        defaultNotificationLimit,
		sections:     make(map[string]Section),
		seqs:         make(map[string]uint64),
		snapshots:    make(map[string]Snapshot),
		prices:       make(map[string]PriceSnapshot),
		alerts:       make(map[string]Alert),
		priceConfigs: make(map[string]PriceConfig),
		prefs:        DefaultPreferences(),
		subs:         make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load rehydrates the store from the Persister. Snapshots come back flagged
// Rehydrated with sequence zero so the first poll always replaces them.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	sections, err := s.persist.LoadSections(ctx)
	if err != nil {
		return fmt.Errorf("load sections: %w", err)
	}
	snaps, err := s.persist.LoadSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}
	alerts, err := s.persist.LoadAlerts(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}
	configs, err := s.persist.LoadPriceConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load price configs: %w", err)
	}
	prefs, ok, err := s.persist.LoadPreferences(ctx)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sec := range sections {
		s.sections[sec.ID] = sec
	}
	for _, snap := range snaps {
		if _, ok := s.sections[snap.SectionID]; !ok {
			continue
		}
		snap.Seq = 0
		snap.Rehydrated = true
		snap.Prior = nil
		s.snapshots[snap.SectionID] = snap
	}
	for _, a := range alerts {
		s.alerts[a.TokenID] = a
		if a.Revision > s.alertRev {
			s.alertRev = a.Revision
		}
	}
	for _, c := range configs {
		s.priceConfigs[c.ID] = c
	}
	if ok {
		s.prefs = prefs
	}
	s.updateSectionGauges()
	s.logger.Info("state loaded", "sections", len(sections), "snapshots", len(s.snapshots), "alerts", len(alerts))
	return nil
}

// ── Sections ───────────────────────────────────────────────────────────

// AddSection registers a section. A borrow section whose (market, mint) is
// already monitored is not added again: the existing one is returned with
// ErrDuplicateSection.
func (s *Store) AddSection(ctx context.Context, sec Section) (Section, error) {
	sec.Market = strings.TrimSpace(sec.Market)
	sec.Subject = strings.TrimSpace(sec.Subject)
	if sec.Kind == KindLoan {
		name, _ := lending.ParseBackend(sec.Backend)
		if name != "" {
			sec.Backend = string(name)
		}
	} else {
		sec.Backend = ""
	}
	if err := sec.Validate(); err != nil {
		return Section{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if existing, ok := s.duplicateBorrow(sec); ok {
		return existing, ErrDuplicateSection
	}
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = s.now().UTC()
	}
	if s.persist != nil {
		if err := s.persist.SaveSection(ctx, sec); err != nil {
			return Section{}, fmt.Errorf("save section: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sections[sec.ID] = sec
	s.updateSectionGauges()

	out := sec
	s.publish(Event{Type: EventSectionAdded, SectionID: sec.ID, Section: &out})
	return sec, nil
}

func (s *Store) duplicateBorrow(sec Section) (Section, bool) {
	if sec.Kind != KindBorrow {
		return Section{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.sections {
		if existing.Kind == KindBorrow && existing.Market == sec.Market && existing.Subject == sec.Subject {
			return existing, true
		}
	}
	return Section{}, false
}

// RemoveSection unregisters id and drops its snapshot. Any write for id that
// arrives afterwards is discarded. Fired notifications stay.
func (s *Store) RemoveSection(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, ok := s.Section(id); !ok {
		return apperr.NotFound("section", id)
	}
	if s.persist != nil {
		if err := s.persist.DeleteSection(ctx, id); err != nil {
			return fmt.Errorf("delete section: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sections, id)
	delete(s.snapshots, id)
	delete(s.seqs, id)
	s.updateSectionGauges()

	s.publish(Event{Type: EventSectionRemoved, SectionID: id})
	return nil
}

func (s *Store) Section(id string) (Section, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sections[id]
	return sec, ok
}

// Sections lists sections oldest first.
func (s *Store) Sections() []Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Section, 0, len(s.sections))
	for _, sec := range s.sections {
		out = append(out, sec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) updateSectionGauges() {
	counts := map[Kind]int{KindBorrow: 0, KindLoan: 0}
	for _, sec := range s.sections {
		counts[sec.Kind]++
	}
	snaps := map[Kind]int{KindBorrow: 0, KindLoan: 0}
	for _, snap := range s.snapshots {
		snaps[snap.Kind]++
	}
	for k, n := range counts {
		metrics.SectionsActive.WithLabelValues(string(k)).Set(float64(n))
		metrics.SnapshotCount.WithLabelValues(string(k)).Set(float64(snaps[k]))
	}
}

// ── Snapshots ──────────────────────────────────────────────────────────

// NextSeq hands out the sequence number for a fetch of id that is about to
// start. It reports false when id is not registered.
func (s *Store) NextSeq(id string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sections[id]; !ok {
		return 0, false
	}
	s.seqs[id]++
	return s.seqs[id], true
}

// PutSnapshot stores a successful fetch. The write is discarded when the
// section is no longer registered or a fetch that started later has already
// written. On success the replaced snapshot is returned.
func (s *Store) PutSnapshot(snap Snapshot) (prior *Snapshot, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, reason := s.guard(snap.SectionID, snap.Seq)
	if reason != "" {
		metrics.SnapshotsDiscardedTotal.WithLabelValues(reason).Inc()
		return nil, false
	}
	if prev != nil {
		p := *prev
		p.Prior = nil
		snap.Prior = &p
	}
	snap.Kind = s.sections[snap.SectionID].Kind
	snap.Err, snap.ErrKind, snap.Rehydrated = "", "", false
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = s.now()
	}
	s.snapshots[snap.SectionID] = snap
	s.updateSectionGauges()

	out := snap
	s.publish(Event{Type: EventSnapshot, SectionID: snap.SectionID, Snapshot: &out})
	return snap.Prior, true
}

// PutError records a failed fetch. The previous payload stays visible.
func (s *Store) PutError(id string, seq uint64, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, reason := s.guard(id, seq)
	if reason != "" {
		metrics.SnapshotsDiscardedTotal.WithLabelValues(reason).Inc()
		return false
	}
	snap := Snapshot{SectionID: id, Kind: s.sections[id].Kind}
	if prev != nil {
		snap = *prev
		snap.Prior = nil
	}
	snap.Seq = seq
	snap.Err = err.Error()
	snap.ErrKind = apperr.Kind(err)
	s.snapshots[id] = snap

	out := snap
	s.publish(Event{Type: EventSnapshot, SectionID: id, Snapshot: &out})
	return true
}

// guard returns the current snapshot of id, or the reason a write with seq
// must be dropped.
func (s *Store) guard(id string, seq uint64) (*Snapshot, string) {
	if _, ok := s.sections[id]; !ok {
		return nil, "unregistered"
	}
	prev, ok := s.snapshots[id]
	if !ok {
		return nil, ""
	}
	if seq < prev.Seq {
		return nil, "out_of_order"
	}
	return &prev, ""
}

func (s *Store) Snapshot(id string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

// ── Prices ─────────────────────────────────────────────────────────────

// PutPrices overwrites the price of every quoted token.
func (s *Store) PutPrices(quotes map[string]prices.Quote) {
	if len(quotes) == 0 {
		return
	}
	s.mu.Lock()
	changed := make(map[string]PriceSnapshot, len(quotes))
	for id, q := range quotes {
		ps := PriceSnapshot{
			TokenID:   id,
			Price:     q.Price,
			FetchedAt: time.UnixMilli(q.Timestamp).UTC(),
			Source:    q.Source,
		}
		s.prices[id] = ps
		changed[id] = ps
	}
	s.mu.Unlock()
	s.publish(Event{Type: EventPrices, Prices: changed})
}

func (s *Store) Prices() map[string]PriceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]PriceSnapshot, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}

// ── Alerts ─────────────────────────────────────────────────────────────

// Commit runs apply, the in-memory half of an already persisted mutation.
// Callers that keep state derived from alerts wrap apply under their own lock.
type Commit func(apply func())

func applyNow(apply func()) { apply() }

// SetAlert creates or replaces the alert of a token and bumps its revision.
func (s *Store) SetAlert(ctx context.Context, a Alert) (Alert, error) {
	return s.SetAlertWith(ctx, a, applyNow)
}

// SetAlertWith is SetAlert with the in-memory update handed to commit once
// the Persister has accepted the alert.
func (s *Store) SetAlertWith(ctx context.Context, a Alert, commit Commit) (Alert, error) {
	a.TokenID = strings.TrimSpace(a.TokenID)
	a.Direction = strings.ToLower(strings.TrimSpace(a.Direction))
	if err := a.Validate(); err != nil {
		return Alert{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	a.Revision = s.alertRev + 1
	s.mu.RUnlock()
	a.UpdatedAt = s.now().UTC()
	if s.persist != nil {
		if err := s.persist.SaveAlert(ctx, a); err != nil {
			return Alert{}, fmt.Errorf("save alert: %w", err)
		}
	}

	commit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.alertRev = a.Revision
		s.alerts[a.TokenID] = a
		out := a
		s.publish(Event{Type: EventAlert, Alert: &out})
	})
	return a, nil
}

func (s *Store) RemoveAlert(ctx context.Context, tokenID string) error {
	return s.RemoveAlertWith(ctx, tokenID, applyNow)
}

func (s *Store) RemoveAlertWith(ctx context.Context, tokenID string, commit Commit) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	a, ok := s.Alert(tokenID)
	if !ok {
		return apperr.NotFound("alert", tokenID)
	}
	if s.persist != nil {
		if err := s.persist.DeleteAlert(ctx, tokenID); err != nil {
			return fmt.Errorf("delete alert: %w", err)
		}
	}

	commit(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.alerts, tokenID)
		s.alertRev++
		out := a
		s.publish(Event{Type: EventAlertRemoved, Alert: &out})
	})
	return nil
}

func (s *Store) Alert(tokenID string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[tokenID]
	return a, ok
}

// AlertCurrent reports whether a is still the live definition of its token.
func (s *Store) AlertCurrent(a Alert) bool {
	cur, ok := s.Alert(a.TokenID)
	return ok && cur.Revision == a.Revision
}

func (s *Store) Alerts() []Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// ── Price configs ──────────────────────────────────────────────────────

func (s *Store) AddPriceConfig(ctx context.Context, p PriceConfig) (PriceConfig, error) {
	p.TokenID = strings.TrimSpace(p.TokenID)
	p.Mint = strings.TrimSpace(p.Mint)
	if err := p.Validate(); err != nil {
		return PriceConfig{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	for _, existing := range s.PriceConfigs() {
		if existing.TokenID == p.TokenID {
			return existing, nil
		}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if s.persist != nil {
		if err := s.persist.SavePriceConfig(ctx, p); err != nil {
			return PriceConfig{}, fmt.Errorf("save price config: %w", err)
		}
	}

	s.mu.Lock()
	s.priceConfigs[p.ID] = p
	s.mu.Unlock()
	return p, nil
}

func (s *Store) RemovePriceConfig(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.RLock()
	_, ok := s.priceConfigs[id]
	s.mu.RUnlock()
	if !ok {
		return apperr.NotFound("price config", id)
	}
	if s.persist != nil {
		if err := s.persist.DeletePriceConfig(ctx, id); err != nil {
			return fmt.Errorf("delete price config: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.priceConfigs, id)
	s.mu.Unlock()
	return nil
}

// PriceConfigs lists tracked tokens sorted by token id.
func (s *Store) PriceConfigs() []PriceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PriceConfig, 0, len(s.priceConfigs))
	for _, p := range s.priceConfigs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out
}

// ── Notifications ──────────────────────────────────────────────────────

// AppendNotification adds n to the ring, evicting the oldest entry when full.
func (s *Store) AppendNotification(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	if over := len(s.notifications) - s.limit; over > 0 {
		s.notifications = append([]Notification(nil), s.notifications[over:]...)
	}
	s.mu.Unlock()

	out := n
	s.publish(Event{Type: EventNotification, Notification: &out})
	return n
}

// Notifications returns the ring newest first.
func (s *Store) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.notifications))
	for i, n := range s.notifications {
		out[len(out)-1-i] = n
	}
	return out
}

func (s *Store) DismissNotification(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notifications {
		if n.ID == id {
			s.notifications = append(s.notifications[:i], s.notifications[i+1:]...)
			return nil
		}
	}
	return apperr.NotFound("notification", id)
}

// ── Preferences ────────────────────────────────────────────────────────

func (s *Store) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs
}

func (s *Store) SetPreferences(ctx context.Context, p Preferences) (Preferences, error) {
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	if p.Currency == "" {
		p.Currency = USD
	}
	p.RPCLabel = strings.TrimSpace(p.RPCLabel)
	if err := p.Validate(); err != nil {
		return Preferences{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.persist != nil {
		if err := s.persist.SavePreferences(ctx, p); err != nil {
			return Preferences{}, fmt.Errorf("save preferences: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p

	out := p
	s.publish(Event{Type: EventPreferences, Preferences: &out})
	return p, nil
}
