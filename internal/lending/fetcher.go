package lending

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
)

// SlotSource reports the current slot of an RPC endpoint.
type SlotSource interface {
	SlotFor(ctx context.Context, rpcLabel string) (uint64, error)
}

// Namer resolves display names for addresses.
type Namer interface {
	MarketName(addr string) string
	TokenName(mint string) string
}

type BorrowQuery struct {
	Market string
	Mint   string
	RPC    string
}

type LoanQuery struct {
	Market     string
	Obligation string
	RPC        string
	Backend    string
}

// Fetcher is read-only: it never mutates on-chain state.
type Fetcher struct {
	reserves ReserveLoader
	loans    map[BackendName]LoanLoader
	slots    SlotSource
	names    Namer
	tick     decimal.Decimal
	timeout  time.Duration
	now      func() time.Time

	group singleflight.Group
}

type Option func(*Fetcher)

const defaultTimeout = 30 * time.Second

// WithTick overrides the limitLtv rounding tick.
func WithTick(tick decimal.Decimal) Option {
	return func(f *Fetcher) {
		if tick.Sign() > 0 {
			f.tick = tick
		}
	}
}

// WithTimeout bounds one shared upstream call. It applies to the call itself,
// not to any single caller waiting for it.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// NewFetcher wires the loaders. reserves may be nil when no klend backend is
// configured; the affected operations then fail with a ConfigError.
func NewFetcher(reserves ReserveLoader, loans []LoanLoader, slots SlotSource, names Namer, opts ...Option) *Fetcher {
	f := &Fetcher{
		reserves: reserves,
		loans:    make(map[BackendName]LoanLoader, len(loans)),
		slots:    slots,
		names:    names,
		tick:     DefaultLTVTick,
		timeout:  defaultTimeout,
		now:      time.Now,
	}
	for _, l := range loans {
		f.loans[l.Name()] = l
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BorrowStatus computes the buy cap of (market, mint).
func (f *Fetcher) BorrowStatus(ctx context.Context, q BorrowQuery) (BorrowStatus, error) {
	market, err := chain.ParseAddress("market", q.Market)
	if err != nil {
		return BorrowStatus{}, err
	}
	mint, err := chain.ParseAddress("mint", q.Mint)
	if err != nil {
		return BorrowStatus{}, err
	}
	if f.reserves == nil {
		return BorrowStatus{}, &apperr.ConfigError{Key: "KLEND_API_URL"}
	}

	key := "borrow:" + q.RPC + ":" + market.String() + ":" + mint.String()
	v, err := f.shared(ctx, key, func(ctx context.Context) (any, error) {
		slot, err := f.slots.SlotFor(ctx, q.RPC)
		if err != nil {
			return nil, err
		}
		res, err := f.reserves.LoadReserve(ctx, market, mint, slot)
		if err != nil {
			return nil, err
		}
		return f.borrowStatus(market, res), nil
	})
	if err != nil {
		return BorrowStatus{}, err
	}
	return v.(BorrowStatus), nil
}

func (f *Fetcher) borrowStatus(market chain.Address, res *Reserve) BorrowStatus {
	token := res.Symbol
	if token == "" {
		token = f.names.TokenName(res.Mint)
	}
	return BorrowStatus{
		IsBuyable:      IsBuyable(res.TotalBorrowed, res.GlobalDebtCap),
		BuyCap:         FormatAmount(BuyCap(res.GlobalDebtCap, res.TotalBorrowed, res.Decimals)),
		Token:          token,
		MarketName:     f.names.MarketName(market.String()),
		SupplyAPY:      FormatRatio(res.SupplyAPY),
		BorrowAPY:      FormatRatio(res.BorrowAPY),
		BorrowCapacity: FormatAmount(res.DebtCapacity.Div(res.MintFactor())),
		Timestamp:      f.now().UnixMilli(),
	}
}

// LoanStatus loads the obligation from the selected backend, resolves the
// reserves of its positions concurrently and normalizes the result.
func (f *Fetcher) LoanStatus(ctx context.Context, q LoanQuery) (LoanStatus, error) {
	market, err := chain.ParseAddress("market", q.Market)
	if err != nil {
		return LoanStatus{}, err
	}
	obligation, err := chain.ParseAddress("obligation", q.Obligation)
	if err != nil {
		return LoanStatus{}, err
	}
	name, ok := ParseBackend(q.Backend)
	if !ok {
		return LoanStatus{}, apperr.Invalid("server", "unknown backend "+q.Backend)
	}
	loader, ok := f.loans[name]
	if !ok {
		return LoanStatus{}, &apperr.ConfigError{Key: "backend " + string(name)}
	}

	key := "loan:" + string(name) + ":" + q.RPC + ":" + market.String() + ":" + obligation.String()
	v, err := f.shared(ctx, key, func(ctx context.Context) (any, error) {
		slot, err := f.slots.SlotFor(ctx, q.RPC)
		if err != nil {
			return nil, err
		}
		raw, err := loader.LoadLoan(ctx, market, obligation, slot)
		if err != nil {
			return nil, err
		}
		reserves, err := f.loadReserves(ctx, market, raw.Mints(), slot)
		if err != nil {
			return nil, err
		}
		st, err := raw.Normalize(reserves, f.tick)
		if err != nil {
			return nil, apperr.Upstream(string(name), err)
		}
		st.MarketName = f.names.MarketName(market.String())
		st.Timestamp = f.now().UnixMilli()
		return st, nil
	})
	if err != nil {
		return LoanStatus{}, err
	}
	st := v.(LoanStatus)
	st.Amounts = append([]Amount(nil), st.Amounts...)
	return st, nil
}

// shared runs fn once for all concurrent callers of key. fn runs detached from
// any caller's cancellation, bounded by the fetcher timeout; a caller whose
// context ends stops waiting without failing the others.
func (f *Fetcher) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		defer cancel()
		return fn(sctx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// loadReserves fans out one reserve load per mint and waits for all of them.
// Mints without a reserve are left out.
func (f *Fetcher) loadReserves(ctx context.Context, market chain.Address, mints []string, slot uint64) (map[string]*Reserve, error) {
	out := make(map[string]*Reserve, len(mints))
	if len(mints) == 0 {
		return out, nil
	}
	if f.reserves == nil {
		return nil, &apperr.ConfigError{Key: "KLEND_API_URL"}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range mints {
		g.Go(func() error {
			mint, err := chain.ParseAddress("mint", m)
			if err != nil {
				return apperr.Upstream("klend", err)
			}
			res, err := f.reserves.LoadReserve(gctx, market, mint, slot)
			if apperr.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			out[m] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
