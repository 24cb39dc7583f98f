// Package handler holds the HTTP handlers of the dashboard API. Every error
// body has the shape {"error": "..."}.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status of err. Unclassified errors are not
// shown to the client; fallback is sent instead.
func writeError(w http.ResponseWriter, err error, fallback string) {
	msg := fallback
	if apperr.Classified(err) {
		msg = err.Error()
	}
	body, _ := json.Marshal(map[string]string{"error": msg})
	http.Error(w, string(body), apperr.HTTPStatus(err))
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Invalid("", "invalid request body")
	}
	return nil
}
