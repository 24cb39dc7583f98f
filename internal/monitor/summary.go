package monitor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// StatusSummary renders every section and tracked price as plain text for the
// Telegram /status command.
func (m *Monitor) StatusSummary() string {
	var b strings.Builder
	views := m.Views()
	if len(views) == 0 {
		b.WriteString("No sections monitored.\n")
	}
	for _, v := range views {
		fmt.Fprintf(&b, "%s %s: ", strings.ToUpper(string(v.Section.Kind)), v.Label)
		switch {
		case v.Snapshot == nil || v.Loading:
			b.WriteString("loading")
		case v.Snapshot.Loan != nil:
			st := v.Snapshot.Loan
			fmt.Fprintf(&b, "LTV %s / limit %s", st.LoanToValue, st.LimitLTV)
			if st.IsUnderwater {
				b.WriteString(" UNDERWATER")
			}
		case v.Snapshot.Borrow != nil:
			st := v.Snapshot.Borrow
			if st.IsBuyable {
				fmt.Fprintf(&b, "%s buyable, %s under cap", st.Token, st.BuyCap)
			} else {
				fmt.Fprintf(&b, "%s at cap", st.Token)
			}
		default:
			b.WriteString("no data")
		}
		if v.Snapshot != nil && v.Snapshot.Err != "" {
			fmt.Fprintf(&b, " (last poll failed: %s)", v.Snapshot.Err)
		}
		if v.Stale {
			b.WriteString(" [stale]")
		}
		b.WriteString("\n")
	}

	known := m.store.Prices()
	for _, p := range m.store.PriceConfigs() {
		ps, ok := known[p.TokenID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s $%s\n", m.tokenLabel(p.TokenID), formatNum(ps.Price))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatNum(v decimal.Decimal) string {
	if v.GreaterThanOrEqual(million) {
		return v.Div(million).StringFixed(2) + "M"
	}
	if v.GreaterThanOrEqual(thousand) {
		return addCommas(v.StringFixed(2))
	}
	return v.StringFixed(4)
}

func addCommas(s string) string {
	intPart, frac, hasFrac := strings.Cut(s, ".")
	n := len(intPart)
	if n > 3 {
		var out []byte
		for i := 0; i < n; i++ {
			if i > 0 && (n-i)%3 == 0 {
				out = append(out, ',')
			}
			out = append(out, intPart[i])
		}
		intPart = string(out)
	}
	if hasFrac {
		return intPart + "." + frac
	}
	return intPart
}
