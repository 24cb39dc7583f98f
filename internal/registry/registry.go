// Package registry names the markets, tokens and obligations the dashboard
// knows about. Unknown addresses are displayed as-is.
package registry

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultRegistry []byte

type Market struct {
	ID      string `yaml:"id" json:"id"`
	Label   string `yaml:"label" json:"label"`
	Address string `yaml:"address" json:"address"`
}

type Token struct {
	ID      string   `yaml:"id" json:"id"`
	Label   string   `yaml:"label" json:"label"`
	Mint    string   `yaml:"mint" json:"mint"`
	Markets []string `yaml:"markets" json:"markets"`
}

type Obligation struct {
	ID      string `yaml:"id" json:"id"`
	Label   string `yaml:"label" json:"label"`
	Address string `yaml:"address" json:"address"`
	Market  string `yaml:"market" json:"market"`
}

// Registry is immutable after Load.
type Registry struct {
	Markets     []Market     `yaml:"markets" json:"markets"`
	Tokens      []Token      `yaml:"tokens" json:"tokens"`
	Obligations []Obligation `yaml:"obligations" json:"obligations"`

	marketsByAddr map[string]Market
	tokensByMint  map[string]Token
	tokensByID    map[string]Token
	oblByAddr     map[string]Obligation
}

// Load reads the registry from path, or the embedded default when path is empty.
func Load(path string) (*Registry, error) {
	data := defaultRegistry
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read registry: %w", err)
		}
		data = b
	}
	return Parse(data)
}

// Parse decodes a YAML registry document.
func Parse(data []byte) (*Registry, error) {
	var r Registry
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	r.index()
	return &r, nil
}

func (r *Registry) index() {
	r.marketsByAddr = make(map[string]Market, len(r.Markets))
	for _, m := range r.Markets {
		r.marketsByAddr[m.Address] = m
	}
	r.tokensByMint = make(map[string]Token, len(r.Tokens))
	r.tokensByID = make(map[string]Token, len(r.Tokens))
	for _, t := range r.Tokens {
		r.tokensByMint[t.Mint] = t
		r.tokensByID[t.ID] = t
	}
	r.oblByAddr = make(map[string]Obligation, len(r.Obligations))
	for _, o := range r.Obligations {
		r.oblByAddr[o.Address] = o
	}
}

// MarketName returns the label for a market address, or the address itself.
func (r *Registry) MarketName(addr string) string {
	if m, ok := r.marketsByAddr[addr]; ok {
		return m.Label
	}
	return addr
}

// TokenName returns the label for a mint, or the mint itself.
func (r *Registry) TokenName(mint string) string {
	if t, ok := r.tokensByMint[mint]; ok {
		return t.Label
	}
	return mint
}

// ObligationName returns the label for an obligation, or the address itself.
func (r *Registry) ObligationName(addr string) string {
	if o, ok := r.oblByAddr[addr]; ok {
		return o.Label
	}
	return addr
}

// TokenByID looks a token up by its price-feed id.
func (r *Registry) TokenByID(id string) (Token, bool) {
	t, ok := r.tokensByID[id]
	return t, ok
}

// TokenByMint looks a token up by mint.
func (r *Registry) TokenByMint(mint string) (Token, bool) {
	t, ok := r.tokensByMint[mint]
	return t, ok
}
