// Package prices resolves spot USD prices from an ordered chain of sources.
// A token no source can price is absent from the result, never zero.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/metrics"
)

// TokenRef identifies a token by its price id and its mint.
type TokenRef struct {
	ID   string `json:"id"`
	Mint string `json:"pubkey"`
}

// Quote is one resolved price.
type Quote struct {
	Price     decimal.Decimal
	Timestamp int64 // epoch ms
	Source    string
}

// MarshalJSON writes the price as a bare number.
func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Price     json.Number `json:"price"`
		Timestamp int64       `json:"timestamp"`
		Source    string      `json:"source,omitempty"`
	}{json.Number(q.Price.String()), q.Timestamp, q.Source})
}

// Source prices a set of tokens. The result is keyed by token id and only
// holds tokens the source knows.
type Source interface {
	Name() string
	Prices(ctx context.Context, tokens []TokenRef) (map[string]decimal.Decimal, error)
}

// Client asks each source in order for the tokens still missing.
type Client struct {
	sources []Source
	logger  *slog.Logger
	now     func() time.Time
}

func NewClient(logger *slog.Logger, sources ...Source) *Client {
	return &Client{
		sources: sources,
		logger:  logger.With("component", "prices"),
		now:     time.Now,
	}
}

// Fetch resolves as many tokens as possible. It fails only when nothing could
// be priced and at least one source errored.
func (c *Client) Fetch(ctx context.Context, tokens []TokenRef) (map[string]Quote, error) {
	out := make(map[string]Quote, len(tokens))
	if len(tokens) == 0 {
		return out, nil
	}
	ts := c.now().UnixMilli()

	missing := tokens
	var lastErr error
	for i, src := range c.sources {
		if len(missing) == 0 {
			break
		}
		if i > 0 {
			metrics.PriceFallbacksTotal.WithLabelValues(src.Name()).Add(float64(len(missing)))
		}
		got, err := src.Prices(ctx, missing)
		if err != nil {
			metrics.PriceSourceTotal.WithLabelValues(src.Name(), "error").Inc()
			c.logger.Warn("price source failed", "source", src.Name(), "tokens", len(missing), "error", err)
			lastErr = err
		} else {
			metrics.PriceSourceTotal.WithLabelValues(src.Name(), "success").Inc()
		}

		var still []TokenRef
		for _, t := range missing {
			p, ok := got[t.ID]
			if !ok || p.Sign() <= 0 {
				still = append(still, t)
				continue
			}
			out[t.ID] = Quote{Price: p, Timestamp: ts, Source: src.Name()}
		}
		missing = still
	}

	if len(missing) > 0 {
		ids := make([]string, len(missing))
		for i, t := range missing {
			ids[i] = t.ID
		}
		c.logger.Debug("tokens left unpriced", "ids", ids)
	}
	if len(out) == 0 && lastErr != nil {
		return nil, apperr.Upstream("prices", fmt.Errorf("no source answered: %w", lastErr))
	}
	return out, nil
}
