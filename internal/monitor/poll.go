package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/alerting"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/metrics"
	"github.com/web3-frozen/lending-monitor/internal/prices"
	"github.com/web3-frozen/lending-monitor/internal/scheduler"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

func (m *Monitor) pollTask(sec state.Section) scheduler.Task {
	return func(ctx context.Context) error { return m.pollSection(ctx, sec) }
}

// pollSection fetches one section. The sequence number is taken before the
// fetch starts so a slower, older fetch can never overwrite a newer result.
func (m *Monitor) pollSection(ctx context.Context, sec state.Section) error {
	seq, ok := m.store.NextSeq(sec.ID)
	if !ok {
		return nil
	}
	kind := string(sec.Kind)
	rpc := m.store.Preferences().RPCLabel

	start := m.now()
	snap := state.Snapshot{SectionID: sec.ID, Kind: sec.Kind, Seq: seq}
	var err error
	switch sec.Kind {
	case state.KindBorrow:
		var st lending.BorrowStatus
		st, err = m.fetcher.BorrowStatus(ctx, lending.BorrowQuery{Market: sec.Market, Mint: sec.Subject, RPC: rpc})
		snap.Borrow = &st
	case state.KindLoan:
		var st lending.LoanStatus
		st, err = m.fetcher.LoanStatus(ctx, lending.LoanQuery{
			Market:     sec.Market,
			Obligation: sec.Subject,
			RPC:        rpc,
			Backend:    sec.Backend,
		})
		snap.Loan = &st
	}
	metrics.PollDuration.WithLabelValues(kind).Observe(m.now().Sub(start).Seconds())

	if err != nil {
		metrics.PollTotal.WithLabelValues(kind, "error").Inc()
		m.store.PutError(sec.ID, seq, err)
		return err
	}
	metrics.PollTotal.WithLabelValues(kind, "success").Inc()

	snap.FetchedAt = m.now().UTC()
	if _, ok := m.store.PutSnapshot(snap); !ok {
		return nil
	}
	metrics.PollLastSuccess.WithLabelValues(kind).Set(float64(snap.FetchedAt.Unix()))
	metrics.SnapshotAge.WithLabelValues(sec.ID).Set(0)

	m.evaluate(ctx, sec, snap)

	if m.persist != nil {
		if err := m.persist.SaveSnapshot(ctx, snap); err != nil && ctx.Err() == nil {
			m.logger.Warn("persist snapshot", "section", sec.ID, "error", err)
		}
	}
	return nil
}

// evaluate runs the latches of a freshly stored snapshot. Observations of a
// section removed meanwhile are dropped.
func (m *Monitor) evaluate(ctx context.Context, sec state.Section, snap state.Snapshot) {
	registered := func() bool {
		_, ok := m.store.Section(sec.ID)
		return ok
	}
	var conds []alerting.Condition
	switch {
	case snap.Loan != nil:
		if ltv, ok := parsePercent(snap.Loan.LoanToValue); ok {
			metrics.LoanToValue.WithLabelValues(sec.ID).Set(ltv)
		}
		conds = alerting.LoanConditions(sec.ID, m.label(sec), *snap.Loan)
	case snap.Borrow != nil:
		conds = []alerting.Condition{alerting.BorrowCondition(sec.ID, *snap.Borrow)}
	}
	for _, c := range conds {
		c.Current = registered
		m.alerts.Observe(ctx, c)
	}
}

// pollPrices refreshes every tracked token and evaluates the price alerts.
func (m *Monitor) pollPrices(ctx context.Context) error {
	m.updateAges()
	tokens := m.trackedTokens()
	if len(tokens) == 0 {
		return nil
	}
	start := m.now()
	quotes, err := m.feed.Fetch(ctx, tokens)
	metrics.PollDuration.WithLabelValues(PriceLoopID).Observe(m.now().Sub(start).Seconds())
	if err != nil {
		metrics.PollTotal.WithLabelValues(PriceLoopID, "error").Inc()
		return err
	}
	metrics.PollTotal.WithLabelValues(PriceLoopID, "success").Inc()
	metrics.PollLastSuccess.WithLabelValues(PriceLoopID).Set(float64(m.now().Unix()))
	m.store.PutPrices(quotes)

	for _, a := range m.store.Alerts() {
		q, ok := quotes[a.TokenID]
		if !ok {
			continue
		}
		c := alerting.PriceCondition(a, m.tokenLabel(a.TokenID), q.Price)
		c.Current = func() bool { return m.store.AlertCurrent(a) }
		m.alerts.Observe(ctx, c)
	}
	return nil
}

func (m *Monitor) updateAges() {
	now := m.now()
	for _, sec := range m.store.Sections() {
		if snap, ok := m.store.Snapshot(sec.ID); ok && !snap.FetchedAt.IsZero() {
			metrics.SnapshotAge.WithLabelValues(sec.ID).Set(now.Sub(snap.FetchedAt).Seconds())
		}
	}
}

// trackedTokens is the union of the dashboard price configs and the tokens
// that carry an alert.
func (m *Monitor) trackedTokens() []prices.TokenRef {
	seen := make(map[string]bool)
	var out []prices.TokenRef
	for _, p := range m.store.PriceConfigs() {
		mint := p.Mint
		if mint == "" {
			mint = m.tokenMint(p.TokenID)
		}
		seen[p.TokenID] = true
		out = append(out, prices.TokenRef{ID: p.TokenID, Mint: mint})
	}
	for _, a := range m.store.Alerts() {
		if seen[a.TokenID] {
			continue
		}
		seen[a.TokenID] = true
		out = append(out, prices.TokenRef{ID: a.TokenID, Mint: m.tokenMint(a.TokenID)})
	}
	return out
}

func (m *Monitor) tokenMint(id string) string {
	if m.names == nil {
		return ""
	}
	t, _ := m.names.TokenByID(id)
	return t.Mint
}

func (m *Monitor) tokenLabel(id string) string {
	for _, p := range m.store.PriceConfigs() {
		if p.TokenID == id && p.Symbol != "" {
			return p.Symbol
		}
	}
	if m.names != nil {
		if t, ok := m.names.TokenByID(id); ok {
			return t.Label
		}
	}
	return id
}

// PriceView is one tracked token in the display currency. Price is nil while
// no source has priced the token.
type PriceView struct {
	TokenID   string           `json:"tokenId"`
	Symbol    string           `json:"symbol"`
	Price     *decimal.Decimal `json:"price"`
	Currency  string           `json:"currency"`
	Source    string           `json:"source,omitempty"`
	FetchedAt *time.Time       `json:"fetchedAt,omitempty"`
}

// Prices returns the last known price of every tracked token in the
// preferred currency.
func (m *Monitor) Prices(ctx context.Context) ([]PriceView, error) {
	currency := m.store.Preferences().Currency
	known := m.store.Prices()

	quotes := make(map[string]prices.Quote, len(known))
	for id, ps := range known {
		quotes[id] = prices.Quote{Price: ps.Price, Timestamp: ps.FetchedAt.UnixMilli(), Source: ps.Source}
	}
	switch {
	case currency == state.USD:
	case m.fx == nil:
		currency = state.USD
	case len(quotes) > 0:
		converted, err := m.fx.Convert(ctx, quotes, currency)
		if err != nil {
			return nil, err
		}
		quotes = converted
	}

	configs := m.store.PriceConfigs()
	out := make([]PriceView, 0, len(configs))
	for _, p := range configs {
		v := PriceView{TokenID: p.TokenID, Symbol: p.Symbol, Currency: currency}
		if v.Symbol == "" {
			v.Symbol = m.tokenLabel(p.TokenID)
		}
		if q, ok := quotes[p.TokenID]; ok {
			price := q.Price
			at := time.UnixMilli(q.Timestamp).UTC()
			v.Price, v.Source, v.FetchedAt = &price, q.Source, &at
		}
		out = append(out, v)
	}
	return out, nil
}

// parsePercent reads "55.00%" as 0.55.
func parsePercent(s string) (float64, bool) {
	d, err := decimal.NewFromString(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if err != nil {
		return 0, false
	}
	f, _ := d.Div(decimal.NewFromInt(100)).Float64()
	return f, true
}
