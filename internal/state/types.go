// Package state is the single source of truth for monitored sections, their
// latest snapshots, prices, alerts, notifications and preferences.
package state

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/apperr"
	"github.com/web3-frozen/lending-monitor/internal/chain"
	"github.com/web3-frozen/lending-monitor/internal/lending"
)

// ErrDuplicateSection is returned with the existing section when a borrow
// section for the same (market, mint) is added twice.
var ErrDuplicateSection = errors.New("section already monitored")

// Kind of a monitored section.
type Kind string

const (
	KindBorrow Kind = "borrow"
	KindLoan   Kind = "loan"
)

// Section is one monitored entity. Subject is the mint for borrow sections and
// the obligation for loan sections.
type Section struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Market    string    `json:"market"`
	Subject   string    `json:"subject"`
	Backend   string    `json:"backend,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks kind, addresses and backend.
func (s Section) Validate() error {
	if _, err := chain.ParseAddress("market", s.Market); err != nil {
		return err
	}
	switch s.Kind {
	case KindBorrow:
		if _, err := chain.ParseAddress("mint", s.Subject); err != nil {
			return err
		}
	case KindLoan:
		if _, err := chain.ParseAddress("obligation", s.Subject); err != nil {
			return err
		}
		if _, ok := lending.ParseBackend(s.Backend); !ok {
			return apperr.Invalid("backend", "unknown backend "+s.Backend)
		}
	default:
		return apperr.Invalid("kind", "must be borrow or loan")
	}
	return nil
}

// Snapshot is the latest result of polling a section. A failed poll keeps the
// previous payload and sets Err.
type Snapshot struct {
	SectionID string                `json:"sectionId"`
	Kind      Kind                  `json:"kind"`
	Seq       uint64                `json:"seq"`
	FetchedAt time.Time             `json:"fetchedAt"`
	Borrow    *lending.BorrowStatus `json:"borrow,omitempty"`
	Loan      *lending.LoanStatus   `json:"loan,omitempty"`
	Err       string                `json:"error,omitempty"`
	ErrKind   string                `json:"errorKind,omitempty"`
	// Restored from the database at boot; no poll has confirmed it yet.
	Rehydrated bool `json:"rehydrated,omitempty"`

	Prior *Snapshot `json:"-"`
}

// Stale reports whether the snapshot is older than one polling interval.
func (s Snapshot) Stale(now time.Time, interval time.Duration) bool {
	if s.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(s.FetchedAt) > interval
}

// HasPayload reports whether any status was ever fetched.
func (s Snapshot) HasPayload() bool { return s.Borrow != nil || s.Loan != nil }

// PriceSnapshot is the last known price of a token.
type PriceSnapshot struct {
	TokenID   string          `json:"tokenId"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Source    string          `json:"source"`
}

// Alert directions.
const (
	Above = "above"
	Below = "below"
)

// Alert is a price threshold for one token. Revision changes on every set so
// evaluations started under an older definition can be recognised.
type Alert struct {
	TokenID   string          `json:"tokenId"`
	Threshold decimal.Decimal `json:"threshold"`
	Direction string          `json:"direction"`
	Revision  uint64          `json:"revision"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func (a Alert) Validate() error {
	if strings.TrimSpace(a.TokenID) == "" {
		return apperr.Invalid("token", "required")
	}
	if a.Threshold.Sign() <= 0 {
		return apperr.Invalid("threshold", "must be positive")
	}
	if a.Direction != Above && a.Direction != Below {
		return apperr.Invalid("direction", "must be above or below")
	}
	return nil
}

// Crossed reports whether price satisfies the alert. Both bounds are inclusive.
func (a Alert) Crossed(price decimal.Decimal) bool {
	if a.Direction == Above {
		return price.GreaterThanOrEqual(a.Threshold)
	}
	return price.LessThanOrEqual(a.Threshold)
}

// PriceConfig is a token the user tracks on the dashboard.
type PriceConfig struct {
	ID      string `json:"id"`
	TokenID string `json:"tokenId"`
	Symbol  string `json:"symbol"`
	Mint    string `json:"mint,omitempty"`
}

func (p PriceConfig) Validate() error {
	if strings.TrimSpace(p.TokenID) == "" {
		return apperr.Invalid("tokenId", "required")
	}
	if p.Mint != "" {
		if _, err := chain.ParseAddress("mint", p.Mint); err != nil {
			return err
		}
	}
	return nil
}

// Notification is a fired alert. Notifications are kept in memory only.
type Notification struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Display currencies.
const (
	USD = "USD"
	EUR = "EUR"
)

type Preferences struct {
	Currency string `json:"currency"`
	RPCLabel string `json:"rpcLabel"`
}

// DefaultPreferences is what a fresh install shows.
func DefaultPreferences() Preferences {
	return Preferences{Currency: USD}
}

func (p Preferences) Validate() error {
	if p.Currency != USD && p.Currency != EUR {
		return apperr.Invalid("currency", "must be USD or EUR")
	}
	return nil
}
