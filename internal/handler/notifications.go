package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/lending-monitor/internal/state"
)

// ListNotifications returns fired notifications newest first.
func ListNotifications(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		notes := s.Notifications()

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if l, err := strconv.Atoi(v); err == nil && l > 0 && l <= 200 {
				limit = l
			}
		}
		if len(notes) > limit {
			notes = notes[:limit]
		}

		writeJSON(w, http.StatusOK, notes)
	}
}

func DismissNotification(s *state.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.DismissNotification(chi.URLParam(r, "id")); err != nil {
			writeError(w, err, "failed to dismiss notification")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
