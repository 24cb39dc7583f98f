package alerting

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/web3-frozen/lending-monitor/internal/lending"
	"github.com/web3-frozen/lending-monitor/internal/state"
)

// Condition kinds, also used as metric labels.
const (
	KindPrice  = "price"
	KindLoan   = "loan"
	KindBorrow = "borrow"
)

func PriceKey(tokenID string) string { return "price:" + tokenID }
func UnderwaterKey(sectionID string) string { return "loan:" + sectionID + ":underwater" }
func CriticalKey(sectionID string) string { return "loan:" + sectionID + ":critical" }
func BuyableKey(sectionID string) string { return "borrow:" + sectionID + ":buyable" }

// PriceCondition evaluates a price alert. label is what the message calls the
// token.
func PriceCondition(a state.Alert, label string, price decimal.Decimal) Condition {
	if label == "" {
		label = a.TokenID
	}
	return Condition{
		Key:    PriceKey(a.TokenID),
		Kind:   KindPrice,
		Active: a.Crossed(price),
		Message: fmt.Sprintf("%s is %s $%s (now $%s)",
			label, a.Direction, a.Threshold.StringFixed(2), price.StringFixed(2)),
	}
}

// LoanConditions evaluates the underwater and critically underwater latches
// of a loan section.
func LoanConditions(sectionID, label string, st lending.LoanStatus) []Condition {
	if label == "" {
		label = st.MarketName
	}
	return []Condition{
		{
			Key:    UnderwaterKey(sectionID),
			Kind:   KindLoan,
			Active: st.IsUnderwater,
			Message: fmt.Sprintf("Loan on %s is underwater: LTV %s above limit %s",
				label, st.LoanToValue, st.LimitLTV),
		},
		{
			Key:    CriticalKey(sectionID),
			Kind:   KindLoan,
			Active: st.IsCriticallyUnderwater,
			Message: fmt.Sprintf("Loan on %s is close to liquidation: LTV %s, liquidation at %s",
				label, st.LoanToValue, st.LiquidationLTV),
		},
	}
}

// BorrowCondition evaluates the buyable latch of a borrow section.
func BorrowCondition(sectionID string, st lending.BorrowStatus) Condition {
	return Condition{
		Key:    BuyableKey(sectionID),
		Kind:   KindBorrow,
		Active: st.IsBuyable,
		Message: fmt.Sprintf("%s on %s can be borrowed: %s left under the cap",
			st.Token, st.MarketName, st.BuyCap),
	}
}
