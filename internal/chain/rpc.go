// Package chain talks to Solana JSON-RPC endpoints and validates addresses.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/web3-frozen/lending-monitor/internal/apperr"
)

// DefaultRPC is the public mainnet endpoint used when nothing else is chosen.
const DefaultRPC = "https://api.mainnet-beta.solana.com"

// Endpoint is a labelled RPC URL the user can select.
type Endpoint struct {
	Label string `json:"label"`
	URL   string `json:"-"`
}

// Client is a lazily dialed JSON-RPC connection to one endpoint.
type Client struct {
	endpoint Endpoint
	timeout  time.Duration
	httpc    *http.Client

	mu  sync.Mutex
	rpc *rpc.Client
}

// Pool owns one Client per endpoint label. It is created once in main and
// closed at shutdown.
type Pool struct {
	logger  *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	labels   map[string]Endpoint
	clients  map[string]*Client
	fallback string
}

// NewPool registers the given endpoints. The first one is the default.
func NewPool(endpoints []Endpoint, timeout time.Duration, logger *slog.Logger) *Pool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &Pool{
		logger:  logger.With("component", "rpc_pool"),
		timeout: timeout,
		labels:  make(map[string]Endpoint),
		clients: make(map[string]*Client),
	}
	for _, ep := range endpoints {
		key := strings.ToLower(ep.Label)
		if p.fallback == "" {
			p.fallback = key
		}
		p.labels[key] = ep
	}
	return p
}

// Endpoints lists the known endpoints, sorted by label.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.labels))
	for _, ep := range p.labels {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Resolve returns the endpoint registered under label. An empty label selects
// the default endpoint. A known label with no URL is a ConfigError.
func (p *Pool) Resolve(label string) (Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(label))
	if key == "" {
		key = p.fallback
	}
	ep, ok := p.labels[key]
	if !ok {
		return Endpoint{}, apperr.Invalid("rpcLabel", fmt.Sprintf("unknown rpc %q", label))
	}
	if ep.URL == "" {
		return Endpoint{}, &apperr.ConfigError{Key: "rpc url for " + ep.Label}
	}
	return ep, nil
}

// Client returns the shared client for label.
func (p *Pool) Client(label string) (*Client, error) {
	ep, err := p.Resolve(label)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToLower(ep.Label)
	if c, ok := p.clients[key]; ok {
		return c, nil
	}
	c := &Client{
		endpoint: ep,
		timeout:  p.timeout,
		httpc:    &http.Client{Timeout: p.timeout},
	}
	p.clients[key] = c
	p.logger.Info("rpc client created", "label", ep.Label)
	return c, nil
}

// SlotFor returns the current slot seen by the endpoint registered under label.
func (p *Pool) SlotFor(ctx context.Context, label string) (uint64, error) {
	c, err := p.Client(label)
	if err != nil {
		return 0, err
	}
	return c.Slot(ctx)
}

// Close tears down every dialed client.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.close()
	}
	p.clients = make(map[string]*Client)
}

// Endpoint returns the endpoint this client talks to.
func (c *Client) Endpoint() Endpoint { return c.endpoint }

// Slot returns the current slot (getSlot).
func (c *Client) Slot(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := c.call(ctx, &slot, "getSlot"); err != nil {
		return 0, err
	}
	return slot, nil
}

// Health calls getHealth; a healthy node answers "ok".
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, &status, "getHealth"); err != nil {
		return err
	}
	if status != "ok" {
		return apperr.Upstream("rpc "+c.endpoint.Label, fmt.Errorf("node status %q", status))
	}
	return nil
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := c.dial(ctx)
	if err != nil {
		return apperr.Upstream("rpc "+c.endpoint.Label, err)
	}
	if err := client.CallContext(ctx, result, method, args...); err != nil {
		return apperr.Upstream("rpc "+c.endpoint.Label, fmt.Errorf("%s: %w", method, err))
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpc != nil {
		return c.rpc, nil
	}
	client, err := rpc.DialOptions(ctx, c.endpoint.URL, rpc.WithHTTPClient(c.httpc))
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.rpc = client
	return client, nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}
