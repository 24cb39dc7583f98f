package lending

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
)

// Klend reads reserves and obligations from the klend SDK service.
type Klend struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

func NewKlend(baseURL, apiKey string, timeout time.Duration) *Klend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Klend{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (k *Klend) Name() BackendName { return BackendKlend }

// LoadReserve fetches the reserve for mint in market at slot.
func (k *Klend) LoadReserve(ctx context.Context, market, mint chain.Address, slot uint64) (*Reserve, error) {
	u := fmt.Sprintf("%s/v1/markets/%s/reserves/%s?slot=%d", k.baseURL, url.PathEscape(market.String()), url.PathEscape(mint.String()), slot)
	var res Reserve
	if err := getJSON(ctx, k.client, u, k.headers(), "reserve", mint.String(), &res); err != nil {
		return nil, err
	}
	if res.Mint == "" {
		res.Mint = mint.String()
	}
	return &res, nil
}

// LoadLoan fetches the obligation and its refreshed stats.
func (k *Klend) LoadLoan(ctx context.Context, market, obligation chain.Address, slot uint64) (RawLoan, error) {
	u := fmt.Sprintf("%s/v1/markets/%s/obligations/%s?slot=%d", k.baseURL, url.PathEscape(market.String()), url.PathEscape(obligation.String()), slot)
	var o KlendObligation
	if err := getJSON(ctx, k.client, u, k.headers(), "obligation", obligation.String(), &o); err != nil {
		return RawLoan{}, err
	}
	return RawLoan{Backend: BackendKlend, Klend: &o}, nil
}

func (k *Klend) headers() http.Header {
	h := http.Header{}
	h.Set("Accept", "application/json")
	if k.apiKey != "" {
		h.Set("Authorization", "Bearer "+k.apiKey)
	}
	return h
}

// Legacy reads loans from the older status service. It has no reserve
// endpoint; its underwater limit is fixed.
type Legacy struct {
	client  *http.Client
	baseURL string
}

func NewLegacy(baseURL string, timeout time.Duration) *Legacy {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Legacy{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (l *Legacy) Name() BackendName { return BackendLegacy }

func (l *Legacy) LoadLoan(ctx context.Context, market, obligation chain.Address, slot uint64) (RawLoan, error) {
	q := url.Values{}
	q.Set("market", market.String())
	q.Set("obligation", obligation.String())
	q.Set("slot", strconv.FormatUint(slot, 10))
	var loan LegacyLoan
	if err := getJSON(ctx, l.client, l.baseURL+"/loan?"+q.Encode(), nil, "obligation", obligation.String(), &loan); err != nil {
		return RawLoan{}, err
	}
	return RawLoan{Backend: BackendLegacy, Legacy: &loan}, nil
}

// getJSON issues a GET and decodes the body into out. 404 becomes a
// NotFoundError for (what, id); everything else that fails is upstream.
func getJSON(ctx context.Context, client *http.Client, u string, h http.Header, what, id string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range h {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperr.Upstream("lending backend", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return apperr.NotFound(what, id)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Upstream("lending backend", fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Upstream("lending backend", fmt.Errorf("decode %s: %w", what, err))
	}
	return nil
}

var (
	_ ReserveLoader = (*Klend)(nil)
	_ LoanLoader    = (*Klend)(nil)
	_ LoanLoader    = (*Legacy)(nil)
)
