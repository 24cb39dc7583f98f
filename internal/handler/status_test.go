package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/cache"
	"github.com/web3-frozen/lending-monitor/internal/chain"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/prices"
	"github.com/web3-frozen/lending-monitor/internal/registry"
)

const (
	mainMarket = "7u3HeHxYDLhnCoErrtycNokbQYbWGzLs6JSDqGAv5PfF"
	usdcMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	obligation = "DxXdAyU3kCjnyggvHmY5nAwg5cRbbmdyX3npfDMjjMek"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type countingFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) BorrowStatus(_ context.Context, _ lending.BorrowQuery) (lending.BorrowStatus, error) {
	f.calls.Add(1)
	if f.err != nil {
		return lending.BorrowStatus{}, f.err
	}
	return lending.BorrowStatus{IsBuyable: true, BuyCap: "600.00", Timestamp: 1_700_000_000_000}, nil
}

func (f *countingFetcher) LoanStatus(_ context.Context, q lending.LoanQuery) (lending.LoanStatus, error) {
	f.calls.Add(1)
	if f.err != nil {
		return lending.LoanStatus{}, f.err
	}
	return lending.LoanStatus{LoanToValue: "55.00%", LimitLTV: "70.00%", Backend: q.Backend}, nil
}

func testCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.New(rdb, discard())
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	return body.Error
}

func TestBorrowStatusValidation(t *testing.T) {
	// A fetcher without a klend backend still validates its input first.
	reg, _ := registry.Load("")
	h := BorrowStatus(lending.NewFetcher(nil, nil, nil, reg), cache.New(nil, discard()))

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantError  string
	}{
		{"missing mint", "?market=" + mainMarket, http.StatusBadRequest, "required"},
		{"bad market", "?market=abc&mint=" + usdcMint, http.StatusBadRequest, "invalid market"},
		{"bad mint", "?market=" + mainMarket + "&mint=0OIl", http.StatusBadRequest, "invalid mint"},
		{"no backend", "?market=" + mainMarket + "&mint=" + usdcMint, http.StatusInternalServerError, "not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, "/api/borrow-status"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if msg := errorBody(t, rec); !strings.Contains(msg, tt.wantError) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantError)
			}
		})
	}
}

func TestBorrowStatusCached(t *testing.T) {
	f := &countingFetcher{}
	h := BorrowStatus(f, testCache(t))
	target := "/api/borrow-status?market=" + mainMarket + "&mint=" + usdcMint

	for range 3 {
		rec := get(h, target)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
		}
		var got map[string]any
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		if got["isBuyable"] != true || got["buyCap"] != "600.00" || got["timestamp"] != float64(1_700_000_000_000) {
			t.Errorf("body = %v", got)
		}
		if _, ok := got["token"]; ok {
			t.Error("borrow-status exposes only isBuyable, buyCap and timestamp")
		}
	}
	if n := f.calls.Load(); n != 1 {
		t.Errorf("fetcher calls = %d, want 1", n)
	}
}

func TestLoanStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		query      string
		wantStatus int
	}{
		{"ok", nil, "?market=" + mainMarket + "&obligation=" + obligation + "&server=legacy", http.StatusOK},
		{"unknown backend", nil, "?market=" + mainMarket + "&obligation=" + obligation + "&server=v9", http.StatusBadRequest},
		{"missing obligation", nil, "?market=" + mainMarket, http.StatusBadRequest},
		{"not found", apperr.NotFound("obligation", obligation), "?market=" + mainMarket + "&obligation=" + obligation, http.StatusNotFound},
		{"upstream", apperr.Upstream("klend", io.ErrUnexpectedEOF), "?market=" + mainMarket + "&obligation=" + obligation, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := LoanStatus(&countingFetcher{err: tt.err}, cache.New(nil, discard()))
			rec := get(h, "/api/loan-status"+tt.query)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if rec.Code != http.StatusOK {
				if errorBody(t, rec) == "" {
					t.Error("error message missing")
				}
				return
			}
			var st lending.LoanStatus
			if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
				t.Fatal(err)
			}
			if st.Backend != "legacy" || st.Amounts == nil {
				t.Errorf("status = %+v", st)
			}
		})
	}
}

type stubPrices map[string]prices.Quote

func (s stubPrices) Fetch(_ context.Context, tokens []prices.TokenRef) (map[string]prices.Quote, error) {
	out := make(map[string]prices.Quote)
	for _, t := range tokens {
		if q, ok := s[t.ID]; ok && t.Mint != "" {
			out[t.ID] = q
		}
	}
	return out, nil
}

func TestPrices(t *testing.T) {
	h := Prices(stubPrices{"solana": {Price: decimal.RequireFromString("151.25"), Timestamp: 42}})

	body := `{"tokens":[{"id":"solana","pubkey":"So11111111111111111111111111111111111111112"},{"id":"unknown","mint":"x"}]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prices", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Prices map[string]struct {
			Price     float64 `json:"price"`
			Timestamp int64   `json:"timestamp"`
		} `json:"prices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Prices) != 1 || got.Prices["solana"].Price != 151.25 || got.Prices["solana"].Timestamp != 42 {
		t.Errorf("prices = %+v", got.Prices)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/prices", strings.NewReader(`{invalid`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body: status = %d, want 400", rec.Code)
	}
}

func rpcServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if res, ok := results[req.Method]; ok {
			resp["result"] = res
		} else {
			resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnection(t *testing.T) {
	srv := rpcServer(t, map[string]any{"getSlot": 300000001, "getHealth": "ok"})
	pool := chain.NewPool([]chain.Endpoint{
		{Label: "Default RPC", URL: srv.URL},
		{Label: "Helius", URL: ""},
	}, time.Second, discard())
	defer pool.Close()
	h := Connection(pool)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/connection", strings.NewReader(body)))
		return rec
	}

	rec := post(`{"rpcLabel":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Status      string `json:"status"`
		RPCEndpoint string `json:"rpcEndpoint"`
		Slot        uint64 `json:"slot"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "ok" || got.RPCEndpoint != "Default RPC" || got.Slot != 300000001 {
		t.Errorf("response = %+v", got)
	}

	if rec := post(`{"rpcLabel":"helius"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("unconfigured rpc: status = %d, want 500", rec.Code)
	} else if msg := errorBody(t, rec); !strings.Contains(msg, "not configured") {
		t.Errorf("error = %q", msg)
	}
	if rec := post(`{"rpcLabel":"nope"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown rpc: status = %d, want 400", rec.Code)
	}
}
