package prices

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
)

const fxAPI = "https://open.er-api.com/v6/latest/USD"

// FX converts USD prices into the display currency. Rates are refreshed at
// most once per ttl.
type FX struct {
	client  *http.Client
	baseURL string
	ttl     time.Duration

	mu      sync.Mutex
	rates   map[string]decimal.Decimal
	fetched time.Time
}

func NewFX(timeout, ttl time.Duration) *FX {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &FX{
		client:  &http.Client{Timeout: timeout},
		baseURL: fxAPI,
		ttl:     ttl,
	}
}

type fxResponse struct {
	Result string                     `json:"result"`
	Rates  map[string]decimal.Decimal `json:"rates"`
}

// Rate returns how many units of currency one USD buys.
func (f *FX) Rate(ctx context.Context, currency string) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" || currency == "USD" {
		return decimal.NewFromInt(1), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rates == nil || time.Since(f.fetched) > f.ttl {
		rates, err := f.fetch(ctx)
		switch {
		case err == nil:
			f.rates = rates
			f.fetched = time.Now()
		case f.rates == nil:
			return decimal.Zero, apperr.Upstream("fx", err)
		}
		// On refresh failure the last known rates keep serving.
	}

	r, ok := f.rates[currency]
	if !ok {
		return decimal.Zero, apperr.Invalid("currency", "unsupported "+currency)
	}
	return r, nil
}

func (f *FX) fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	var body fxResponse
	if err := getJSON(ctx, f.client, f.baseURL, &body); err != nil {
		return nil, err
	}
	if body.Result != "success" {
		return nil, fmt.Errorf("result %q", body.Result)
	}
	return body.Rates, nil
}

// Convert applies Rate to every quote.
func (f *FX) Convert(ctx context.Context, quotes map[string]Quote, currency string) (map[string]Quote, error) {
	r, err := f.Rate(ctx, currency)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Quote, len(quotes))
	for id, q := range quotes {
		q.Price = q.Price.Mul(r)
		out[id] = q
	}
	return out, nil
}
