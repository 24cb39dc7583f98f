package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
	"github.com/web3-frozen/lending-monitor/internal/monitor"
	"github.com/web3-frozen/lending-monitor/internal/registry"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// PriceViews lists tracked prices in the preferred currency.
type PriceViews interface {
	Prices(ctx context.Context) ([]monitor.PriceView, error)
}

// RPCResolver validates RPC labels.
type RPCResolver interface {
	Resolve(label string) (chain.Endpoint, error)
	Endpoints() []chain.Endpoint
}

func ListPriceConfigs(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.PriceConfigs())
	}
}

// AddPriceConfig tracks a token. Symbol and mint default to the registry
// entry of the token id.
func AddPriceConfig(s *state.Store, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p state.PriceConfig
		if err := decode(r, &p); err != nil {
			writeError(w, err, "")
			return
		}
		p.ID = ""
		if t, ok := reg.TokenByID(p.TokenID); ok {
			if p.Symbol == "" {
				p.Symbol = t.Label
			}
			if p.Mint == "" {
				p.Mint = t.Mint
			}
		}
		saved, err := s.AddPriceConfig(r.Context(), p)
		if err != nil {
			writeError(w, err, "failed to add price")
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	}
}

func RemovePriceConfig(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.RemovePriceConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err, "failed to remove price")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func DashboardPrices(m PriceViews) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := m.Prices(r.Context())
		if err != nil {
			writeError(w, err, "failed to convert prices")
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func GetPreferences(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Preferences())
	}
}

// SetPreferences rejects RPC labels the pool does not know.
func SetPreferences(s *state.Store, rpcs RPCResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p state.Preferences
		if err := decode(r, &p); err != nil {
			writeError(w, err, "")
			return
		}
		if p.RPCLabel != "" {
			if _, err := rpcs.Resolve(p.RPCLabel); apperr.IsValidation(err) {
				writeError(w, err, "")
				return
			}
		}
		saved, err := s.SetPreferences(r.Context(), p)
		if err != nil {
			writeError(w, err, "failed to save preferences")
			return
		}
		writeJSON(w, http.StatusOK, saved)
	}
}

// Registry lists the known markets, tokens, obligations and RPC endpoints.
func Registry(reg *registry.Registry, rpcs RPCResolver) http.HandlerFunc {
	type response struct {
		*registry.Registry
		RPCs []chain.Endpoint `json:"rpcs"`
	}
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, response{Registry: reg, RPCs: rpcs.Endpoints()})
	}
}
