package lending

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
)

const (
	mainMarket  = "7u3HeHxYDLhnCoErrtycNokbQYbWGzLs6JSDqGAv5PfF"
	obligation  = "11111111111111111111111111111111"
	fixedMillis = int64(1_700_000_000_000)
)

type fixedSlot struct {
	slot  uint64
	err   error
	calls atomic.Int32
}

func (s *fixedSlot) SlotFor(context.Context, string) (uint64, error) {
	s.calls.Add(1)
	return s.slot, s.err
}

type names struct{}

func (names) MarketName(addr string) string {
	if addr == mainMarket {
		return "Main Market"
	}
	return addr
}

func (names) TokenName(mint string) string { return mint }

// klendServer serves reserves and one obligation the way the klend service does.
func klendServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Query().Get("slot") != "42" {
			t.Errorf("slot not forwarded: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/reserves/"+usdcMint):
			json.NewEncoder(w).Encode(map[string]any{
				"symbol": "USDC", "mint": usdcMint, "decimals": 6,
				"globalDebtCap": "1000000000", "globalTotalBorrowed": "400000000",
				"supplyApy": "0.0512", "borrowApy": "0.0834",
				"debtCapacity": "250000000",
			})
		case strings.HasSuffix(r.URL.Path, "/reserves/"+solMint):
			http.NotFound(w, r)
		case strings.HasSuffix(r.URL.Path, "/obligations/"+obligation):
			json.NewEncoder(w).Encode(map[string]any{
				"loanToValue": "0.71",
				"refreshedStats": map[string]any{
					"borrowLimit": "700", "borrowLiquidationLimit": "800", "liquidationLtv": "0.8",
				},
				"deposits": []map[string]any{{"mint": solMint, "amount": "1000000000"}},
				"borrows":  []map[string]any{{"mint": usdcMint, "amount": "100000000"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestFetcher(srv *httptest.Server, slots SlotSource) *Fetcher {
	k := NewKlend(srv.URL, "", 5*time.Second)
	return NewFetcher(k, []LoanLoader{k, NewLegacy(srv.URL, 5*time.Second)}, slots, names{},
		WithNow(func() time.Time { return time.UnixMilli(fixedMillis) }))
}

func TestFetcherBorrowStatus(t *testing.T) {
	srv := klendServer(t, nil)
	defer srv.Close()

	f := newTestFetcher(srv, &fixedSlot{slot: 42})
	st, err := f.BorrowStatus(context.Background(), BorrowQuery{Market: mainMarket, Mint: usdcMint})
	if err != nil {
		t.Fatalf("BorrowStatus: %v", err)
	}
	want := BorrowStatus{
		IsBuyable:      true,
		BuyCap:         "600.00",
		Token:          "USDC",
		MarketName:     "Main Market",
		SupplyAPY:      "5.12%",
		BorrowAPY:      "8.34%",
		BorrowCapacity: "250.00",
		Timestamp:      fixedMillis,
	}
	if st != want {
		t.Errorf("got %+v\nwant %+v", st, want)
	}
}

func TestFetcherValidatesBeforeNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := klendServer(t, &hits)
	defer srv.Close()
	slots := &fixedSlot{slot: 42}
	f := newTestFetcher(srv, slots)

	_, err := f.BorrowStatus(context.Background(), BorrowQuery{Market: "not-an-address", Mint: usdcMint})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: "0x1234"})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: obligation, Backend: "nope"})
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for backend, got %v", err)
	}
	if hits.Load() != 0 || slots.calls.Load() != 0 {
		t.Errorf("no network calls expected, got %d http and %d rpc", hits.Load(), slots.calls.Load())
	}
}

func TestFetcherReserveNotFound(t *testing.T) {
	srv := klendServer(t, nil)
	defer srv.Close()

	f := newTestFetcher(srv, &fixedSlot{slot: 42})
	_, err := f.BorrowStatus(context.Background(), BorrowQuery{Market: mainMarket, Mint: solMint})
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestFetcherLoanStatusKlend(t *testing.T) {
	srv := klendServer(t, nil)
	defer srv.Close()

	f := newTestFetcher(srv, &fixedSlot{slot: 42})
	st, err := f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: obligation})
	if err != nil {
		t.Fatalf("LoanStatus: %v", err)
	}
	// limit = 0.8 * 700 / 800 = 0.70, so 0.71 is underwater.
	if !st.IsUnderwater || st.LimitLTV != "70.00%" {
		t.Errorf("underwater=%v limit=%s", st.IsUnderwater, st.LimitLTV)
	}
	if st.MarketName != "Main Market" || st.Timestamp != fixedMillis || st.Backend != "klend" {
		t.Errorf("unexpected metadata %+v", st)
	}
	// SOL reserve is missing upstream and gets skipped.
	if len(st.Amounts) != 1 || st.Amounts[0].Token != "USDC" || st.Amounts[0].Amount != "100.00" {
		t.Errorf("amounts = %+v", st.Amounts)
	}
}

func TestFetcherLoanStatusLegacy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loan" || r.URL.Query().Get("obligation") != obligation {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"ltv":"0.55","positions":[{"symbol":"JLP","side":"supply","amountUi":"10.00","apy":"1.00%","apr":"0.99%"}]}`))
	}))
	defer srv.Close()

	f := NewFetcher(nil, []LoanLoader{NewLegacy(srv.URL, time.Second)}, &fixedSlot{slot: 7}, names{})
	st, err := f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: obligation, Backend: "legacy"})
	if err != nil {
		t.Fatalf("LoanStatus: %v", err)
	}
	if st.IsUnderwater || st.Backend != "legacy" || len(st.Amounts) != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestFetcherUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(srv, &fixedSlot{slot: 42})
	_, err := f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: obligation})
	if !apperr.IsUpstream(err) {
		t.Fatalf("expected upstream error, got %v", err)
	}

	rpcDown := newTestFetcher(srv, &fixedSlot{err: apperr.Upstream("rpc", context.DeadlineExceeded)})
	_, err = rpcDown.BorrowStatus(context.Background(), BorrowQuery{Market: mainMarket, Mint: usdcMint})
	if !apperr.IsUpstream(err) {
		t.Fatalf("expected upstream error from rpc, got %v", err)
	}
}

func TestFetcherMissingBackendIsConfigError(t *testing.T) {
	f := NewFetcher(nil, nil, &fixedSlot{}, names{})
	_, err := f.BorrowStatus(context.Background(), BorrowQuery{Market: mainMarket, Mint: usdcMint})
	if apperr.Kind(err) != "config" {
		t.Errorf("BorrowStatus kind = %q", apperr.Kind(err))
	}
	_, err = f.LoanStatus(context.Background(), LoanQuery{Market: mainMarket, Obligation: obligation})
	if apperr.Kind(err) != "config" {
		t.Errorf("LoanStatus kind = %q", apperr.Kind(err))
	}
}

// gatedReserves blocks every load until release is closed and fails with the
// context error if its context ends first.
type gatedReserves struct {
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedReserves) LoadReserve(ctx context.Context, _, mint chain.Address, _ uint64) (*Reserve, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Reserve{Symbol: "USDC", Mint: mint.String(), Decimals: 6,
		GlobalDebtCap: decimal.NewFromInt(1_000_000_000), TotalBorrowed: decimal.NewFromInt(400_000_000)}, nil
}

func TestFetcherCancelledCallerDoesNotFailOthers(t *testing.T) {
	reserves := &gatedReserves{started: make(chan struct{}), release: make(chan struct{})}
	f := NewFetcher(reserves, nil, &fixedSlot{slot: 42}, names{})
	q := BorrowQuery{Market: mainMarket, Mint: usdcMint}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.BorrowStatus(firstCtx, q)
		firstErr <- err
	}()
	<-reserves.started

	type result struct {
		st  BorrowStatus
		err error
	}
	second := make(chan result, 1)
	go func() {
		st, err := f.BorrowStatus(context.Background(), q)
		second <- result{st, err}
	}()

	cancelFirst()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller: err = %v, want context.Canceled", err)
	}

	close(reserves.release)
	select {
	case res := <-second:
		if res.err != nil {
			t.Fatalf("other caller failed with %v", res.err)
		}
		if res.st.BuyCap != "600.00" {
			t.Errorf("BuyCap = %q, want 600.00", res.st.BuyCap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other caller never returned")
	}
}

func TestFetcherSharedCallTimeout(t *testing.T) {
	reserves := &gatedReserves{started: make(chan struct{}), release: make(chan struct{})}
	defer close(reserves.release)
	f := NewFetcher(reserves, nil, &fixedSlot{slot: 42}, names{}, WithTimeout(20*time.Millisecond))

	_, err := f.BorrowStatus(context.Background(), BorrowQuery{Market: mainMarket, Mint: usdcMint})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}
