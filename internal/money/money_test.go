package money

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestProrate(t *testing.T) {
	amount := decimal.RequireFromString("300.00")

	assert.Equal(t, "100.00", Prorate(amount, 30, 10).StringFixed(2))
	assert.Equal(t, "300.00", Prorate(amount, 30, 30).StringFixed(2))
	assert.Equal(t, "300.00", Prorate(amount, 30, 45).StringFixed(2))
	assert.True(t, Prorate(amount, 30, 0).IsZero())
	assert.True(t, Prorate(amount, 0, 10).IsZero())

	// ratio rounds once, at the end
	assert.Equal(t, "33.33", Prorate(decimal.RequireFromString("100.00"), 30, 10).StringFixed(2))
}

func TestRoundTo2(t *testing.T) {
	assert.Equal(t, "10.01", RoundTo2(decimal.RequireFromString("10.005")).StringFixed(2))
	assert.Equal(t, "-10.01", RoundTo2(decimal.RequireFromString("-10.005")).StringFixed(2))
	assert.True(t, IsZero(decimal.RequireFromString("0.001")))
	assert.False(t, IsZero(decimal.RequireFromString("0.01")))
}

func TestPeriod(t *testing.T) {
	// 23:30 UTC on the 31st is already the next month in Oslo
	at := time.Date(2026, 3, 31, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2026-04", Period("Europe/Oslo", at))
	assert.Equal(t, "2026-03", Period("UTC", at))
	assert.Equal(t, "2026-03", Period("not-a-zone", at))
}
