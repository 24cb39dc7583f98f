package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// AlertSetter changes alert definitions and re-arms their latches.
type AlertSetter interface {
	SetAlert(ctx context.Context, a state.Alert) (state.Alert, error)
	RemoveAlert(ctx context.Context, tokenID string) error
}

func ListAlerts(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.Alerts())
	}
}

// SetAlert answers PUT /api/alerts/{token} {threshold, direction}.
func SetAlert(m AlertSetter) http.HandlerFunc {
	type request struct {
		Threshold decimal.Decimal `json:"threshold"`
		Direction string          `json:"direction"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decode(r, &req); err != nil {
			writeError(w, apperr.Invalid("threshold", "must be a number"), "")
			return
		}
		a, err := m.SetAlert(r.Context(), state.Alert{
			TokenID:   chi.URLParam(r, "token"),
			Threshold: req.Threshold,
			Direction: req.Direction,
		})
		if err != nil {
			writeError(w, err, "failed to save alert")
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func RemoveAlert(m AlertSetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.RemoveAlert(r.Context(), chi.URLParam(r, "token")); err != nil {
			writeError(w, err, "failed to remove alert")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
