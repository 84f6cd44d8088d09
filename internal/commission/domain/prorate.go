package domain

import (
	"github.com/rentfolio/billing/internal/money"
	"github.com/shopspring/decimal"
)

// ReversalAmount computes the signed amount of a credit-reversal row. A
// full credit negates the original outright; a day-prorated credit scales
// by creditableDays/invoiceTotalDays first. The result is always the
// negation of a non-negative credit, rounded to 2 decimals.
func ReversalAmount(original decimal.Decimal, spec ReversalSpec) decimal.Decimal {
	if spec.FullCredit {
		return money.RoundTo2(original).Neg()
	}
	return money.Prorate(original, spec.InvoiceTotalDays, spec.CreditableDays).Neg()
}
