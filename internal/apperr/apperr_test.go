package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Invalid("market", "bad base58"), http.StatusBadRequest},
		{"not found", NotFound("obligation", "abc"), http.StatusNotFound},
		{"upstream", Upstream("rpc", errors.New("timeout")), http.StatusInternalServerError},
		{"config", &ConfigError{Key: "HELIUS_RPC_URL"}, http.StatusInternalServerError},
		{"wrapped not found", fmt.Errorf("load: %w", NotFound("market", "x")), http.StatusNotFound},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUpstreamKeepsClassification(t *testing.T) {
	nf := NotFound("market", "x")
	if got := Upstream("klend", nf); got != nf {
		t.Errorf("Upstream should not rewrap a NotFoundError, got %v", got)
	}
	if Upstream("klend", nil) != nil {
		t.Error("Upstream(nil) should be nil")
	}

	base := errors.New("connection reset")
	err := Upstream("klend", base)
	if !IsUpstream(err) {
		t.Fatalf("expected UpstreamError, got %T", err)
	}
	if !errors.Is(err, base) {
		t.Error("UpstreamError should unwrap to the cause")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Invalid("mint", "empty"), "validation"},
		{NotFound("reserve", "m"), "not_found"},
		{&ConfigError{Key: "X"}, "config"},
		{errors.New("x"), "upstream"},
	}
	for _, tt := range tests {
		if got := Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
