package state

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/prices"
)

const (
	mainMarket = "7u3HeHxYDLhnCoErrtycNokbQYbWGzLs6JSDqGAv5PfF"
	usdcMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	solMint    = "So11111111111111111111111111111111111111112"
	obligation = "11111111111111111111111111111111"
)

func newTestStore(opts ...Option) *Store {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func borrowSection() Section {
	return Section{Kind: KindBorrow, Market: mainMarket, Subject: usdcMint}
}

func TestAddSectionValidation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	tests := []struct {
		name string
		sec  Section
	}{
		{"bad market", Section{Kind: KindBorrow, Market: "nope", Subject: usdcMint}},
		{"bad mint", Section{Kind: KindBorrow, Market: mainMarket, Subject: "0xdead"}},
		{"bad kind", Section{Kind: "swap", Market: mainMarket, Subject: usdcMint}},
		{"bad backend", Section{Kind: KindLoan, Market: mainMarket, Subject: obligation, Backend: "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AddSection(ctx, tt.sec)
			require.True(t, apperr.IsValidation(err), "got %v", err)
		})
	}
	require.Empty(t, s.Sections())
}

func TestAddSectionDuplicateBorrow(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first, err := s.AddSection(ctx, borrowSection())
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	again, err := s.AddSection(ctx, borrowSection())
	require.ErrorIs(t, err, ErrDuplicateSection)
	require.Equal(t, first.ID, again.ID)

	// Loans on the same market are independent sections.
	loan := Section{Kind: KindLoan, Market: mainMarket, Subject: obligation}
	a, err := s.AddSection(ctx, loan)
	require.NoError(t, err)
	require.Equal(t, "klend", a.Backend)
	b, err := s.AddSection(ctx, loan)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
	require.Len(t, s.Sections(), 3)
}

func TestRemoveDuringInFlightFetch(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sec, err := s.AddSection(ctx, borrowSection())
	require.NoError(t, err)

	seq, ok := s.NextSeq(sec.ID)
	require.True(t, ok)

	// The section goes away while its fetch is still running.
	require.NoError(t, s.RemoveSection(ctx, sec.ID))

	_, ok = s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: seq, Borrow: &lending.BorrowStatus{IsBuyable: true}})
	require.False(t, ok, "late write must be discarded")
	_, ok = s.Snapshot(sec.ID)
	require.False(t, ok)
	require.False(t, s.PutError(sec.ID, seq, errors.New("late")))

	_, ok = s.NextSeq(sec.ID)
	require.False(t, ok)
	require.True(t, apperr.IsNotFound(s.RemoveSection(ctx, sec.ID)))
}

func TestOutOfOrderWrites(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sec, err := s.AddSection(ctx, borrowSection())
	require.NoError(t, err)

	older, _ := s.NextSeq(sec.ID)
	newer, _ := s.NextSeq(sec.ID)
	t0 := time.Unix(1_700_000_000, 0)

	_, ok := s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: newer, FetchedAt: t0.Add(time.Second), Borrow: &lending.BorrowStatus{BuyCap: "600.00"}})
	require.True(t, ok)
	_, ok = s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: older, FetchedAt: t0, Borrow: &lending.BorrowStatus{BuyCap: "1.00"}})
	require.False(t, ok, "older fetch must not overwrite a newer one")

	snap, _ := s.Snapshot(sec.ID)
	require.Equal(t, "600.00", snap.Borrow.BuyCap)
	require.Equal(t, KindBorrow, snap.Kind)
}

func TestPutSnapshotReturnsPrior(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sec, _ := s.AddSection(ctx, borrowSection())

	seq1, _ := s.NextSeq(sec.ID)
	prior, ok := s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: seq1, Borrow: &lending.BorrowStatus{IsBuyable: false}})
	require.True(t, ok)
	require.Nil(t, prior)

	seq2, _ := s.NextSeq(sec.ID)
	prior, ok = s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: seq2, Borrow: &lending.BorrowStatus{IsBuyable: true}})
	require.True(t, ok)
	require.NotNil(t, prior)
	require.False(t, prior.Borrow.IsBuyable)
}

func TestPutErrorKeepsPayload(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sec, _ := s.AddSection(ctx, borrowSection())

	seq1, _ := s.NextSeq(sec.ID)
	s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: seq1, Borrow: &lending.BorrowStatus{BuyCap: "5.00"}})

	seq2, _ := s.NextSeq(sec.ID)
	require.True(t, s.PutError(sec.ID, seq2, apperr.Upstream("rpc", errors.New("timeout"))))

	snap, _ := s.Snapshot(sec.ID)
	require.Equal(t, "5.00", snap.Borrow.BuyCap)
	require.Equal(t, "upstream", snap.ErrKind)
	require.Contains(t, snap.Err, "timeout")

	seq3, _ := s.NextSeq(sec.ID)
	s.PutSnapshot(Snapshot{SectionID: sec.ID, Seq: seq3, Borrow: &lending.BorrowStatus{BuyCap: "6.00"}})
	snap, _ = s.Snapshot(sec.ID)
	require.Empty(t, snap.Err, "success clears the error state")
}

func TestSnapshotStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	snap := Snapshot{FetchedAt: now.Add(-45 * time.Second)}
	require.True(t, snap.Stale(now, 30*time.Second))
	require.False(t, snap.Stale(now, time.Minute))
	require.False(t, Snapshot{}.Stale(now, time.Second))
}

func TestAlertsRevisionAndValidation(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.SetAlert(ctx, Alert{TokenID: "solana", Threshold: decimal.NewFromInt(150), Direction: "sideways"})
	require.True(t, apperr.IsValidation(err))

	a1, err := s.SetAlert(ctx, Alert{TokenID: "solana", Threshold: decimal.NewFromInt(150), Direction: "Above"})
	require.NoError(t, err)
	require.Equal(t, Above, a1.Direction)
	require.True(t, s.AlertCurrent(a1))

	a2, err := s.SetAlert(ctx, Alert{TokenID: "solana", Threshold: decimal.NewFromInt(120), Direction: Below})
	require.NoError(t, err)
	require.Greater(t, a2.Revision, a1.Revision)
	require.False(t, s.AlertCurrent(a1), "replaced definition is no longer current")
	require.Len(t, s.Alerts(), 1)

	require.NoError(t, s.RemoveAlert(ctx, "solana"))
	require.False(t, s.AlertCurrent(a2))
	require.True(t, apperr.IsNotFound(s.RemoveAlert(ctx, "solana")))
}

func TestAlertCrossed(t *testing.T) {
	above := Alert{Threshold: decimal.NewFromInt(100), Direction: Above}
	below := Alert{Threshold: decimal.NewFromInt(100), Direction: Below}
	require.True(t, above.Crossed(decimal.NewFromInt(100)))
	require.False(t, above.Crossed(decimal.RequireFromString("99.99")))
	require.True(t, below.Crossed(decimal.NewFromInt(100)))
	require.False(t, below.Crossed(decimal.NewFromInt(101)))
}

func TestNotificationRing(t *testing.T) {
	s := newTestStore(WithNotificationLimit(3))
	for _, msg := range []string{"a", "b", "c", "d"} {
		s.AppendNotification(Notification{Message: msg})
	}
	got := s.Notifications()
	require.Len(t, got, 3)
	require.Equal(t, "d", got[0].Message, "newest first")
	require.Equal(t, "b", got[2].Message, "oldest evicted")

	require.NoError(t, s.DismissNotification(got[1].ID))
	require.Len(t, s.Notifications(), 2)
	require.True(t, apperr.IsNotFound(s.DismissNotification("missing")))
}

func TestPriceConfigs(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.AddPriceConfig(ctx, PriceConfig{TokenID: "solana", Mint: "bad"})
	require.True(t, apperr.IsValidation(err))

	p, err := s.AddPriceConfig(ctx, PriceConfig{TokenID: "solana", Symbol: "SOL", Mint: solMint})
	require.NoError(t, err)
	again, err := s.AddPriceConfig(ctx, PriceConfig{TokenID: "solana"})
	require.NoError(t, err)
	require.Equal(t, p.ID, again.ID)

	require.NoError(t, s.RemovePriceConfig(ctx, p.ID))
	require.Empty(t, s.PriceConfigs())
}

func TestPreferences(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	require.Equal(t, USD, s.Preferences().Currency)

	p, err := s.SetPreferences(ctx, Preferences{Currency: "eur", RPCLabel: "helius"})
	require.NoError(t, err)
	require.Equal(t, EUR, p.Currency)

	_, err = s.SetPreferences(ctx, Preferences{Currency: "JPY"})
	require.True(t, apperr.IsValidation(err))
	require.Equal(t, EUR, s.Preferences().Currency)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	s := newTestStore()
	events, cancel := s.Subscribe(8)
	defer cancel()

	sec, err := s.AddSection(context.Background(), borrowSection())
	require.NoError(t, err)
	s.PutPrices(map[string]prices.Quote{"solana": {Price: decimal.NewFromInt(150), Timestamp: 1000, Source: "jupiter"}})

	ev := <-events
	require.Equal(t, EventSectionAdded, ev.Type)
	require.Equal(t, sec.ID, ev.SectionID)

	ev = <-events
	require.Equal(t, EventPrices, ev.Type)
	require.True(t, ev.Prices["solana"].Price.Equal(decimal.NewFromInt(150)))

	cancel()
	cancel()
}

type memPersister struct {
	sections []Section
	snaps    []Snapshot
	alerts   []Alert
	configs  []PriceConfig
	prefs    *Preferences
	failSave bool
}

func (m *memPersister) SaveSection(_ context.Context, s Section) error {
	if m.failSave {
		return errors.New("db down")
	}
	m.sections = append(m.sections, s)
	return nil
}
func (m *memPersister) DeleteSection(context.Context, string) error { return nil }
func (m *memPersister) LoadSections(context.Context) ([]Section, error) { return m.sections, nil }
func (m *memPersister) SaveSnapshot(context.Context, Snapshot) error { return nil }
func (m *memPersister) LoadSnapshots(context.Context) ([]Snapshot, error) { return m.snaps, nil }
func (m *memPersister) SaveAlert(context.Context, Alert) error { return nil }
func (m *memPersister) DeleteAlert(context.Context, string) error { return nil }
func (m *memPersister) LoadAlerts(context.Context) ([]Alert, error) { return m.alerts, nil }
func (m *memPersister) SavePriceConfig(context.Context, PriceConfig) error { return nil }
func (m *memPersister) DeletePriceConfig(context.Context, string) error { return nil }
func (m *memPersister) LoadPriceConfigs(context.Context) ([]PriceConfig, error) {
	return m.configs, nil
}
func (m *memPersister) SavePreferences(context.Context, Preferences) error { return nil }
func (m *memPersister) LoadPreferences(context.Context) (Preferences, bool, error) {
	if m.prefs == nil {
		return Preferences{}, false, nil
	}
	return *m.prefs, true, nil
}

func TestLoadRehydrates(t *testing.T) {
	sec := Section{ID: "s1", Kind: KindLoan, Market: mainMarket, Subject: obligation, Backend: "klend"}
	p := &memPersister{
		sections: []Section{sec},
		snaps: []Snapshot{
			{SectionID: "s1", Seq: 99, Loan: &lending.LoanStatus{LoanToValue: "50.00%"}},
			{SectionID: "gone", Seq: 1},
		},
		alerts: []Alert{{TokenID: "solana", Threshold: decimal.NewFromInt(1), Direction: Above, Revision: 7}},
		prefs:  &Preferences{Currency: EUR},
	}
	s := newTestStore(WithPersister(p))
	require.NoError(t, s.Load(context.Background()))

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.True(t, snap.Rehydrated)
	require.Zero(t, snap.Seq)
	_, ok = s.Snapshot("gone")
	require.False(t, ok)

	// The first real poll replaces the placeholder.
	seq, _ := s.NextSeq("s1")
	_, ok = s.PutSnapshot(Snapshot{SectionID: "s1", Seq: seq, Loan: &lending.LoanStatus{LoanToValue: "51.00%"}})
	require.True(t, ok)

	a, err := s.SetAlert(context.Background(), Alert{TokenID: "jlp", Threshold: decimal.NewFromInt(3), Direction: Below})
	require.NoError(t, err)
	require.Equal(t, uint64(8), a.Revision)
	require.Equal(t, EUR, s.Preferences().Currency)
}

func TestPersistFailureLeavesStateUntouched(t *testing.T) {
	s := newTestStore(WithPersister(&memPersister{failSave: true}))
	_, err := s.AddSection(context.Background(), borrowSection())
	require.Error(t, err)
	require.Empty(t, s.Sections())
}

// stallingPersister holds every save until release is closed.
type stallingPersister struct {
	*memPersister
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stallingPersister) stall(ctx context.Context) error {
	p.once.Do(func() { close(p.started) })
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *stallingPersister) SaveSection(ctx context.Context, s Section) error {
	if err := p.stall(ctx); err != nil {
		return err
	}
	return p.memPersister.SaveSection(ctx, s)
}

func (p *stallingPersister) SaveAlert(ctx context.Context, _ Alert) error {
	return p.stall(ctx)
}

func TestSlowPersisterDoesNotBlockSnapshots(t *testing.T) {
	existing := Section{ID: "s1", Kind: KindLoan, Market: mainMarket, Subject: obligation, Backend: "klend"}
	p := &stallingPersister{
		memPersister: &memPersister{sections: []Section{existing}},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	s := newTestStore(WithPersister(p))
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	added := make(chan error, 1)
	go func() {
		_, err := s.AddSection(ctx, borrowSection())
		added <- err
	}()
	<-p.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		seq, ok := s.NextSeq("s1")
		if !ok {
			return
		}
		s.PutSnapshot(Snapshot{SectionID: "s1", Seq: seq, Loan: &lending.LoanStatus{LoanToValue: "42.00%"}})
		s.Sections()
		s.Preferences()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot write blocked behind a pending section save")
	}

	snap, ok := s.Snapshot("s1")
	require.True(t, ok)
	require.Equal(t, "42.00%", snap.Loan.LoanToValue)
	require.Len(t, s.Sections(), 1, "pending section is not visible before it is saved")

	close(p.release)
	require.NoError(t, <-added)
	require.Len(t, s.Sections(), 2)
}

func TestSetAlertWithCommitsAfterSave(t *testing.T) {
	p := &stallingPersister{
		memPersister: &memPersister{},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	s := newTestStore(WithPersister(p))

	var committed atomic.Bool
	saved := make(chan error, 1)
	go func() {
		_, err := s.SetAlertWith(context.Background(), Alert{TokenID: "solana", Threshold: decimal.NewFromInt(100), Direction: Above},
			func(apply func()) {
				committed.Store(true)
				apply()
			})
		saved <- err
	}()
	<-p.started

	require.False(t, committed.Load())
	_, ok := s.Alert("solana")
	require.False(t, ok)

	close(p.release)
	require.NoError(t, <-saved)
	require.True(t, committed.Load())
	a, ok := s.Alert("solana")
	require.True(t, ok)
	require.Equal(t, uint64(1), a.Revision)
}

func TestSetAlertWithSkipsCommitOnSaveError(t *testing.T) {
	p := &stallingPersister{
		memPersister: &memPersister{},
		started:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	s := newTestStore(WithPersister(p))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SetAlertWith(ctx, Alert{TokenID: "solana", Threshold: decimal.NewFromInt(100), Direction: Above},
		func(func()) { t.Error("commit ran for an unsaved alert") })
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, s.Alerts())
}
