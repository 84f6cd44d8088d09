package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	commissiondomain "github.com/rentfolio/billing/internal/commission/domain"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	counterservice "github.com/rentfolio/billing/internal/counter/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestEnv(t *testing.T) (*gorm.DB, *snowflake.Node, commissiondomain.Service) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&commissiondomain.Commission{},
		&counterdomain.Counter{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	counterSvc := counterservice.NewService(counterservice.Params{DB: db, Log: zap.NewNop(), GenID: node})
	svc := NewService(Params{Log: zap.NewNop(), GenID: node, CounterSvc: counterSvc})
	return db, node, svc
}

func TestReversalAmount_DayProrated(t *testing.T) {
	// 10 of 30 days of a 300 management commission reverses exactly -100
	amount := commissiondomain.ReversalAmount(decimal.NewFromInt(300), commissiondomain.ReversalSpec{
		InvoiceTotalDays: 30,
		CreditableDays:   10,
	})
	assert.Equal(t, "-100.00", amount.StringFixed(2))
}

func TestReversalAmount_FullCredit(t *testing.T) {
	amount := commissiondomain.ReversalAmount(decimal.RequireFromString("459.99"), commissiondomain.ReversalSpec{FullCredit: true})
	assert.Equal(t, "-459.99", amount.StringFixed(2))
}

func TestCreateReversals_FullCredit(t *testing.T) {
	db, node, svc := newTestEnv(t)
	partnerID := node.Generate()
	invoiceID := node.Generate()
	creditNoteID := node.Generate()
	contractID := node.Generate()

	originals := []commissiondomain.Commission{
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeBrokeringContract, Amount: decimal.NewFromInt(5000), InvoiceID: invoiceID, ContractID: contractID},
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeManagementContract, Amount: decimal.NewFromInt(600), InvoiceID: invoiceID, ContractID: contractID},
	}
	require.NoError(t, db.Create(&originals).Error)

	var reversals []commissiondomain.Commission
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		reversals, txErr = svc.CreateReversals(context.Background(), tx, partnerID, creditNoteID, originals, commissiondomain.ReversalSpec{FullCredit: true})
		return txErr
	})
	require.NoError(t, err)
	require.Len(t, reversals, 2)

	byType := map[commissiondomain.Type]commissiondomain.Commission{}
	for _, reversal := range reversals {
		byType[reversal.Type] = reversal
	}
	assert.Equal(t, "-5000.00", byType[commissiondomain.TypeBrokeringContract].Amount.StringFixed(2))
	assert.Equal(t, "-600.00", byType[commissiondomain.TypeManagementContract].Amount.StringFixed(2))

	for _, reversal := range reversals {
		assert.Equal(t, creditNoteID, reversal.InvoiceID)
		assert.NotZero(t, reversal.CommissionID)
		assert.NotZero(t, reversal.SerialID)
	}

	// originals untouched
	var original commissiondomain.Commission
	require.NoError(t, db.First(&original, "id = ?", originals[0].ID).Error)
	assert.Equal(t, "5000.00", original.Amount.StringFixed(2))
}

func TestCreateReversals_PartialSkipsNonProrating(t *testing.T) {
	db, node, svc := newTestEnv(t)
	partnerID := node.Generate()
	creditNoteID := node.Generate()

	originals := []commissiondomain.Commission{
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeBrokeringContract, Amount: decimal.NewFromInt(5000)},
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeManagementContract, Amount: decimal.NewFromInt(300)},
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeAssignmentAddonIncome, Amount: decimal.NewFromInt(250)},
	}

	var reversals []commissiondomain.Commission
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		reversals, txErr = svc.CreateReversals(context.Background(), tx, partnerID, creditNoteID, originals, commissiondomain.ReversalSpec{
			InvoiceTotalDays: 30,
			CreditableDays:   10,
		})
		return txErr
	})
	require.NoError(t, err)
	require.Len(t, reversals, 1)
	assert.Equal(t, commissiondomain.TypeManagementContract, reversals[0].Type)
	assert.Equal(t, "-100.00", reversals[0].Amount.StringFixed(2))
}

func TestCreateReversals_SerialsAreConsecutive(t *testing.T) {
	db, node, svc := newTestEnv(t)
	partnerID := node.Generate()

	originals := []commissiondomain.Commission{
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeManagementContract, Amount: decimal.NewFromInt(100)},
		{ID: node.Generate(), PartnerID: partnerID, Type: commissiondomain.TypeManagementContract, Amount: decimal.NewFromInt(200)},
	}

	var reversals []commissiondomain.Commission
	err := db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		reversals, txErr = svc.CreateReversals(context.Background(), tx, partnerID, node.Generate(), originals, commissiondomain.ReversalSpec{FullCredit: true})
		return txErr
	})
	require.NoError(t, err)
	require.Len(t, reversals, 2)
	assert.Equal(t, int64(1), reversals[0].SerialID)
	assert.Equal(t, int64(2), reversals[1].SerialID)
}

func TestCreateReversals_InvalidSpec(t *testing.T) {
	db, node, svc := newTestEnv(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, txErr := svc.CreateReversals(context.Background(), tx, node.Generate(), node.Generate(), nil, commissiondomain.ReversalSpec{
			InvoiceTotalDays: 30,
			CreditableDays:   45,
		})
		return txErr
	})
	assert.ErrorIs(t, err, commissiondomain.ErrInvalidSpec)
}
