package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	jupiterAPI   = "https://api.jup.ag/price/v2"
	coinGeckoAPI = "https://api.coingecko.com/api/v3"
)

// Jupiter prices every token in one request keyed by mint.
type Jupiter struct {
	client  *http.Client
	baseURL string
}

func NewJupiter(timeout time.Duration) *Jupiter {
	return &Jupiter{
		client:  &http.Client{Timeout: timeout},
		baseURL: jupiterAPI,
	}
}

func (j *Jupiter) Name() string { return "jupiter" }

type jupiterResponse struct {
	Data map[string]*struct {
		ID    string `json:"id"`
		Price string `json:"price"`
	} `json:"data"`
}

func (j *Jupiter) Prices(ctx context.Context, tokens []TokenRef) (map[string]decimal.Decimal, error) {
	byMint := make(map[string][]string)
	var mints []string
	for _, t := range tokens {
		if t.Mint == "" {
			continue
		}
		if _, ok := byMint[t.Mint]; !ok {
			mints = append(mints, t.Mint)
		}
		byMint[t.Mint] = append(byMint[t.Mint], t.ID)
	}
	out := make(map[string]decimal.Decimal)
	if len(mints) == 0 {
		return out, nil
	}

	var body jupiterResponse
	if err := getJSON(ctx, j.client, j.baseURL+"?ids="+strings.Join(mints, ","), &body); err != nil {
		return nil, fmt.Errorf("jupiter price API: %w", err)
	}
	for mint, d := range body.Data {
		// Unknown mints come back as null.
		if d == nil {
			continue
		}
		p, err := decimal.NewFromString(d.Price)
		if err != nil {
			continue
		}
		for _, id := range byMint[mint] {
			out[id] = p
		}
	}
	return out, nil
}

// CoinGecko prices one token id per request under a shared rate limit.
type CoinGecko struct {
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewCoinGecko allows perMinute requests with a small burst; the public API
// throttles around 30/min.
func NewCoinGecko(timeout time.Duration, perMinute int) *CoinGecko {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &CoinGecko{
		client:  &http.Client{Timeout: timeout},
		baseURL: coinGeckoAPI,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 5),
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) Prices(ctx context.Context, tokens []TokenRef) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	var firstErr error
	for _, t := range tokens {
		if t.ID == "" {
			continue
		}
		g.Go(func() error {
			p, ok, err := c.price(gctx, t.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				// One failing id must not hide the others.
				if firstErr == nil {
					firstErr = err
				}
			case ok:
				out[t.ID] = p
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (c *CoinGecko) price(ctx context.Context, id string) (decimal.Decimal, bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, false, err
	}
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")

	var body map[string]map[string]decimal.Decimal
	if err := getJSON(ctx, c.client, c.baseURL+"/simple/price?"+q.Encode(), &body); err != nil {
		return decimal.Zero, false, fmt.Errorf("coingecko %s: %w", id, err)
	}
	p, ok := body[id]["usd"]
	return p, ok, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

var (
	_ Source = (*Jupiter)(nil)
	_ Source = (*CoinGecko)(nil)
)
