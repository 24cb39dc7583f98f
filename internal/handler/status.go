package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/cache"
	"github.com/web3-frozen/lending-monitor/internal/chain"
	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/prices"
)

// StatusFetcher computes borrow and loan statuses.
type StatusFetcher interface {
	BorrowStatus(ctx context.Context, q lending.BorrowQuery) (lending.BorrowStatus, error)
	LoanStatus(ctx context.Context, q lending.LoanQuery) (lending.LoanStatus, error)
}

// PriceFetcher resolves spot prices.
type PriceFetcher interface {
	Fetch(ctx context.Context, tokens []prices.TokenRef) (map[string]prices.Quote, error)
}

// TTLs of the cached status endpoints.
const (
	BorrowStatusTTL = 30 * time.Second
	LoanStatusTTL   = 60 * time.Second
)

// Connection checks the selected RPC endpoint and reports its slot.
func Connection(pool *chain.Pool) http.HandlerFunc {
	type request struct {
		RPCLabel string `json:"rpcLabel"`
	}
	type response struct {
		Status      string `json:"status"`
		RPCEndpoint string `json:"rpcEndpoint"`
		Slot        uint64 `json:"slot"`
		Healthy     bool   `json:"healthy"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if r.ContentLength != 0 {
			if err := decode(r, &req); err != nil {
				writeError(w, err, "")
				return
			}
		}

		client, err := pool.Client(req.RPCLabel)
		if err != nil {
			writeError(w, err, "failed to establish connection")
			return
		}
		slot, err := client.Slot(r.Context())
		if err != nil {
			writeError(w, err, "failed to establish connection")
			return
		}
		healthy := client.Health(r.Context()) == nil

		writeJSON(w, http.StatusOK, response{
			Status:      "ok",
			RPCEndpoint: client.Endpoint().Label,
			Slot:        slot,
			Healthy:     healthy,
		})
	}
}

// BorrowStatus answers GET /api/borrow-status?market=&mint=.
func BorrowStatus(f StatusFetcher, c *cache.Cache) http.HandlerFunc {
	type response struct {
		IsBuyable bool   `json:"isBuyable"`
		BuyCap    string `json:"buyCap"`
		Timestamp int64  `json:"timestamp"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		q := lending.BorrowQuery{
			Market: strings.TrimSpace(r.URL.Query().Get("market")),
			Mint:   strings.TrimSpace(r.URL.Query().Get("mint")),
			RPC:    r.URL.Query().Get("rpc"),
		}
		if q.Market == "" || q.Mint == "" {
			writeError(w, apperr.Invalid("", "market and mint are required"), "")
			return
		}

		st, err := cache.Get(r.Context(), c, cache.BorrowStatus, cache.Key(q.Market, q.Mint, q.RPC), BorrowStatusTTL,
			func(ctx context.Context) (lending.BorrowStatus, error) { return f.BorrowStatus(ctx, q) })
		if err != nil {
			writeError(w, err, "failed to fetch borrow status")
			return
		}
		writeJSON(w, http.StatusOK, response{IsBuyable: st.IsBuyable, BuyCap: st.BuyCap, Timestamp: st.Timestamp})
	}
}

// LoanStatus answers GET /api/loan-status?market=&obligation=[&rpc=][&server=].
func LoanStatus(f StatusFetcher, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := lending.LoanQuery{
			Market:     strings.TrimSpace(r.URL.Query().Get("market")),
			Obligation: strings.TrimSpace(r.URL.Query().Get("obligation")),
			RPC:        r.URL.Query().Get("rpc"),
			Backend:    r.URL.Query().Get("server"),
		}
		if q.Market == "" || q.Obligation == "" {
			writeError(w, apperr.Invalid("", "market and obligation are required"), "")
			return
		}
		name, ok := lending.ParseBackend(q.Backend)
		if !ok {
			writeError(w, apperr.Invalid("server", "unknown backend "+q.Backend), "")
			return
		}
		q.Backend = string(name)

		st, err := cache.Get(r.Context(), c, cache.LoanStatus, cache.Key(q.Market, q.Obligation, q.Backend, q.RPC), LoanStatusTTL,
			func(ctx context.Context) (lending.LoanStatus, error) { return f.LoanStatus(ctx, q) })
		if err != nil {
			writeError(w, err, "failed to fetch loan status")
			return
		}
		if st.Amounts == nil {
			st.Amounts = []lending.Amount{}
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// Prices answers POST /api/prices {tokens:[{id, pubkey}]}. Tokens no source
// knows are left out of the response.
func Prices(f PriceFetcher) http.HandlerFunc {
	type token struct {
		ID     string `json:"id"`
		Pubkey string `json:"pubkey"`
		Mint   string `json:"mint"`
	}
	type request struct {
		Tokens []token `json:"tokens"`
	}
	type response struct {
		Prices map[string]prices.Quote `json:"prices"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decode(r, &req); err != nil {
			writeError(w, err, "")
			return
		}
		refs := make([]prices.TokenRef, 0, len(req.Tokens))
		for _, t := range req.Tokens {
			if strings.TrimSpace(t.ID) == "" {
				writeError(w, apperr.Invalid("tokens", "every token needs an id"), "")
				return
			}
			mint := t.Pubkey
			if mint == "" {
				mint = t.Mint
			}
			refs = append(refs, prices.TokenRef{ID: t.ID, Mint: mint})
		}

		quotes, err := f.Fetch(r.Context(), refs)
		if err != nil {
			writeError(w, err, "failed to fetch prices")
			return
		}
		writeJSON(w, http.StatusOK, response{Prices: quotes})
	}
}
