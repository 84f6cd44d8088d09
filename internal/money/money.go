// Package money holds the currency and date arithmetic shared by every
// ledger-writing component. Amounts are decimals rounded to 2 places at
// each boundary; comparisons on unrounded values are a bug.
package money

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundTo2 rounds half away from zero to 2 decimal places.
func RoundTo2(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}

// Prorate scales amount by creditableDays/totalDays and rounds to 2 places.
// totalDays must be positive; creditableDays may be zero.
func Prorate(amount decimal.Decimal, totalDays, creditableDays int) decimal.Decimal {
	if totalDays <= 0 || creditableDays <= 0 {
		return decimal.Zero
	}
	if creditableDays >= totalDays {
		return RoundTo2(amount)
	}
	ratio := decimal.NewFromInt(int64(creditableDays)).Div(decimal.NewFromInt(int64(totalDays)))
	return RoundTo2(amount.Mul(ratio))
}

// IsZero reports whether the amount rounds to zero at 2 decimal places.
func IsZero(amount decimal.Decimal) bool {
	return RoundTo2(amount).IsZero()
}

// PartnerLocalDate converts an instant into the partner's timezone,
// truncated to midnight. An unknown timezone falls back to UTC.
func PartnerLocalDate(timezone string, at time.Time) time.Time {
	loc, err := time.LoadLocation(timezone)
	if err != nil || timezone == "" {
		loc = time.UTC
	}
	local := at.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// Period formats an instant as the YYYY-MM accounting period in the
// partner's timezone.
func Period(timezone string, at time.Time) string {
	return PartnerLocalDate(timezone, at).Format("2006-01")
}
