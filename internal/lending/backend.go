package lending

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/web3-frozen/lending-monitor/internal/chain"
)

// BackendName identifies a lending backend variant.
type BackendName string

const (
	BackendKlend  BackendName = "klend"
	BackendLegacy BackendName = "legacy"
)

// LegacyLimitLTV is the fixed underwater threshold of the legacy backend.
var LegacyLimitLTV = decimal.RequireFromString("0.70")

// ParseBackend maps a query value to a backend. Empty selects klend.
func ParseBackend(s string) (BackendName, bool) {
	switch BackendName(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendKlend:
		return BackendKlend, true
	case BackendLegacy:
		return BackendLegacy, true
	}
	return "", false
}

// ReserveLoader loads reserve state for a (market, mint) pair.
type ReserveLoader interface {
	LoadReserve(ctx context.Context, market, mint chain.Address, slot uint64) (*Reserve, error)
}

// LoanLoader loads an obligation in the backend's own shape.
type LoanLoader interface {
	Name() BackendName
	LoadLoan(ctx context.Context, market, obligation chain.Address, slot uint64) (RawLoan, error)
}

// Position is a raw deposit or borrow in base units.
type Position struct {
	Mint   string          `json:"mint"`
	Amount decimal.Decimal `json:"amount"`
}

// KlendObligation is the obligation shape returned by the klend backend.
type KlendObligation struct {
	LoanToValue decimal.Decimal `json:"loanToValue"`
	Stats       struct {
		BorrowLimit            decimal.Decimal `json:"borrowLimit"`
		BorrowLiquidationLimit decimal.Decimal `json:"borrowLiquidationLimit"`
		LiquidationLTV         decimal.Decimal `json:"liquidationLtv"`
	} `json:"refreshedStats"`
	Deposits []Position `json:"deposits"`
	Borrows  []Position `json:"borrows"`
}

// LegacyPosition arrives preformatted from the legacy backend.
type LegacyPosition struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	AmountUI string `json:"amountUi"`
	APY      string `json:"apy"`
	APR      string `json:"apr"`
}

// LegacyLoan is the obligation shape returned by the legacy backend.
type LegacyLoan struct {
	LTV       decimal.Decimal  `json:"ltv"`
	Positions []LegacyPosition `json:"positions"`
}

// RawLoan is a tagged union over backend shapes. Exactly one of the variant
// fields matching Backend is set.
type RawLoan struct {
	Backend BackendName
	Klend   *KlendObligation
	Legacy  *LegacyLoan
}

// Mints lists the distinct mints whose reserves are needed to normalize.
func (r RawLoan) Mints() []string {
	if r.Backend != BackendKlend || r.Klend == nil {
		return nil
	}
	seen := make(map[string]bool)
	var mints []string
	for _, ps := range [][]Position{r.Klend.Deposits, r.Klend.Borrows} {
		for _, p := range ps {
			if !seen[p.Mint] {
				seen[p.Mint] = true
				mints = append(mints, p.Mint)
			}
		}
	}
	return mints
}

// Normalize converts the raw variant into the canonical LoanStatus. reserves
// is keyed by mint; positions without a reserve are skipped.
func (r RawLoan) Normalize(reserves map[string]*Reserve, tick decimal.Decimal) (LoanStatus, error) {
	switch r.Backend {
	case BackendKlend:
		if r.Klend == nil {
			return LoanStatus{}, fmt.Errorf("klend loan missing payload")
		}
		return normalizeKlend(r.Klend, reserves, tick), nil
	case BackendLegacy:
		if r.Legacy == nil {
			return LoanStatus{}, fmt.Errorf("legacy loan missing payload")
		}
		return normalizeLegacy(r.Legacy), nil
	}
	return LoanStatus{}, fmt.Errorf("unknown backend %q", r.Backend)
}

func normalizeKlend(o *KlendObligation, reserves map[string]*Reserve, tick decimal.Decimal) LoanStatus {
	limit := LimitLTV(o.Stats.LiquidationLTV, o.Stats.BorrowLimit, o.Stats.BorrowLiquidationLimit, tick)
	st := LoanStatus{
		IsUnderwater:           IsUnderwater(o.LoanToValue, limit),
		IsCriticallyUnderwater: IsCriticallyUnderwater(o.LoanToValue, limit, o.Stats.LiquidationLTV),
		LoanToValue:            FormatRatio(o.LoanToValue),
		LimitLTV:               FormatRatio(limit),
		LiquidationLTV:         FormatRatio(o.Stats.LiquidationLTV),
		Backend:                string(BackendKlend),
		Amounts:                []Amount{},
	}
	for _, d := range o.Deposits {
		res, ok := reserves[d.Mint]
		if !ok {
			continue
		}
		st.Amounts = append(st.Amounts, Amount{
			Token:     res.Symbol,
			Amount:    FormatAmount(d.Amount.Div(res.MintFactor())),
			APY:       FormatRatio(res.SupplyAPY),
			Reward:    FormatRatio(res.SupplyRewardAPY),
			APR:       FormatRatio(res.SupplyAPR),
			Direction: DirectionSupply,
		})
	}
	for _, b := range o.Borrows {
		res, ok := reserves[b.Mint]
		if !ok {
			continue
		}
		st.Amounts = append(st.Amounts, Amount{
			Token:     res.Symbol,
			Amount:    FormatAmount(b.Amount.Div(res.MintFactor())),
			APY:       FormatRatio(res.BorrowAPY),
			Reward:    FormatRatio(res.BorrowRewardAPY),
			APR:       FormatRatio(res.BorrowAPR),
			Direction: DirectionBorrow,
		})
	}
	return st
}

func normalizeLegacy(l *LegacyLoan) LoanStatus {
	st := LoanStatus{
		IsUnderwater:   IsUnderwater(l.LTV, LegacyLimitLTV),
		LoanToValue:    FormatRatio(l.LTV),
		LimitLTV:       FormatRatio(LegacyLimitLTV),
		LiquidationLTV: FormatRatio(LegacyLimitLTV),
		Backend:        string(BackendLegacy),
		Amounts:        make([]Amount, 0, len(l.Positions)),
	}
	for _, p := range l.Positions {
		dir := DirectionSupply
		if strings.EqualFold(p.Side, "borrow") || strings.EqualFold(p.Side, "debt") {
			dir = DirectionBorrow
		}
		st.Amounts = append(st.Amounts, Amount{
			Token:     p.Symbol,
			Amount:    p.AmountUI,
			APY:       p.APY,
			Reward:    FormatRatio(decimal.Zero),
			APR:       p.APR,
			Direction: dir,
		})
	}
	return st
}
