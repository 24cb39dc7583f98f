package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/web3-frozen/lending-monitor/internal/monitor"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// Sections is what the section handlers need from the monitor.
type Sections interface {
	Views() []monitor.SectionView
	View(id string) (monitor.SectionView, error)
	AddSection(ctx context.Context, sec state.Section) (state.Section, error)
	RemoveSection(ctx context.Context, id string) error
}

func ListSections(m Sections) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, m.Views())
	}
}

func GetSection(m Sections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := m.View(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err, "failed to get section")
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// AddSection creates a section. Adding a borrow section that is already
// monitored answers 200 with the existing one instead of 201.
func AddSection(m Sections) http.HandlerFunc {
	type request struct {
		Kind    state.Kind `json:"kind"`
		Market  string     `json:"market"`
		Subject string     `json:"subject"`
		Backend string     `json:"backend"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := decode(r, &req); err != nil {
			writeError(w, err, "")
			return
		}

		sec, err := m.AddSection(r.Context(), state.Section{
			Kind:    req.Kind,
			Market:  req.Market,
			Subject: req.Subject,
			Backend: req.Backend,
		})
		switch {
		case errors.Is(err, state.ErrDuplicateSection):
			writeJSON(w, http.StatusOK, sec)
		case err != nil:
			writeError(w, err, "failed to add section")
		default:
			writeJSON(w, http.StatusCreated, sec)
		}
	}
}

func RemoveSection(m Sections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := m.RemoveSection(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err, "failed to remove section")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
