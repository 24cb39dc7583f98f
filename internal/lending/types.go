// Package lending turns raw reserve and obligation state from a lending
// backend into presentation-ready borrow and loan statuses.
package lending

import (
	"github.com/shopspring/decimal"
)

// Direction of a loan position.
const (
	DirectionSupply = "supply"
	DirectionBorrow = "borrow"
)

// Reserve is the raw state of one single-asset pool, in base units.
type Reserve struct {
	Symbol        string          `json:"symbol"`
	Mint          string          `json:"mint"`
	Decimals      int32           `json:"decimals"`
	GlobalDebtCap decimal.Decimal `json:"globalDebtCap"`
	TotalBorrowed decimal.Decimal `json:"globalTotalBorrowed"`

	SupplyAPY       decimal.Decimal `json:"supplyApy"`
	BorrowAPY       decimal.Decimal `json:"borrowApy"`
	SupplyAPR       decimal.Decimal `json:"supplyApr"`
	BorrowAPR       decimal.Decimal `json:"borrowApr"`
	SupplyRewardAPY decimal.Decimal `json:"supplyRewardApy"`
	BorrowRewardAPY decimal.Decimal `json:"borrowRewardApy"`

	DepositCapacity decimal.Decimal `json:"depositCapacity"`
	DebtCapacity    decimal.Decimal `json:"debtCapacity"`
}

// MintFactor is 10^decimals.
func (r *Reserve) MintFactor() decimal.Decimal {
	return decimal.New(1, r.Decimals)
}

// BorrowStatus is the borrow-cap view of a reserve.
type BorrowStatus struct {
	IsBuyable      bool   `json:"isBuyable"`
	BuyCap         string `json:"buyCap"`
	Token          string `json:"token"`
	MarketName     string `json:"marketName"`
	SupplyAPY      string `json:"supplyApy"`
	BorrowAPY      string `json:"borrowApy"`
	BorrowCapacity string `json:"borrowCapacity"`
	Timestamp      int64  `json:"timestamp"`
}

// Amount is one deposit or borrow of a loan.
type Amount struct {
	Token     string `json:"token"`
	Amount    string `json:"amount"`
	APY       string `json:"apy"`
	Reward    string `json:"reward"`
	APR       string `json:"apr"`
	Direction string `json:"direction"`
}

// LoanStatus is the canonical loan view every backend is normalized into.
type LoanStatus struct {
	IsUnderwater           bool     `json:"isUnderwater"`
	IsCriticallyUnderwater bool     `json:"isCriticallyUnderwater"`
	LoanToValue            string   `json:"loanToValue"`
	LimitLTV               string   `json:"limitLtv"`
	LiquidationLTV         string   `json:"liquidationLtv"`
	MarketName             string   `json:"marketName"`
	Backend                string   `json:"backend"`
	Timestamp              int64    `json:"timestamp"`
	Amounts                []Amount `json:"amounts"`
}
