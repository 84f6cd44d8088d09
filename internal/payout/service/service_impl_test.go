package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/rentfolio/billing/internal/clock"
	countersvc "github.com/rentfolio/billing/internal/counter/service"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"github.com/rentfolio/billing/internal/events"
	invoicedomain "github.com/rentfolio/billing/internal/invoice/domain"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	svc   payoutdomain.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&counterdomain.Counter{},
		&events.OutboxJob{},
		&payoutdomain.Payout{},
		&payoutdomain.Correction{},
		&invoicedomain.Invoice{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	counterSvc := countersvc.NewService(countersvc.Params{DB: db, Log: zap.NewNop(), GenID: node})
	svc := NewService(Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		CounterSvc: counterSvc,
		Outbox:     events.NewOutbox(node),
	})

	return &fixture{db: db, node: node, clock: fake, svc: svc}
}

func TestCreateEstimated_IdempotentPerContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()

	first, err := f.svc.CreateEstimated(ctx, partnerID, contractID, f.node.Generate(), f.node.Generate(), false)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.SerialID)
	assert.Equal(t, payoutdomain.StatusEstimated, first.Status)

	second, err := f.svc.CreateEstimated(ctx, partnerID, contractID, 0, 0, false)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	f.db.Model(&payoutdomain.Payout{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestAdjustEstimated_MissingPayoutEnqueuesCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()

	contribution := payoutdomain.Contribution{
		Type:      payoutdomain.MetaTypeCreditNote,
		Amount:    decimal.RequireFromString("-4500.00"),
		InvoiceID: f.node.Generate(),
	}

	var payout *payoutdomain.Payout
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		payout, err = f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, contribution)
		return err
	}))
	assert.Nil(t, payout)

	// same contract again: the dedupe key keeps it to one job
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, contribution)
		return err
	}))

	var jobs []events.OutboxJob
	require.NoError(t, f.db.Where("action = ?", events.ActionCreateEstimatedPayout).Find(&jobs).Error)
	require.Len(t, jobs, 1)
	assert.Equal(t, events.JobStatusPending, jobs[0].Status)
}

func TestAdjustEstimated_CompletesAtZeroMetaSum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()

	created, err := f.svc.CreateEstimated(ctx, partnerID, contractID, f.node.Generate(), f.node.Generate(), false)
	require.NoError(t, err)

	correction := payoutdomain.Correction{
		ID:         f.node.Generate(),
		PartnerID:  partnerID,
		ContractID: contractID,
		PayoutID:   created.ID,
		Amount:     decimal.RequireFromString("250.00"),
		Status:     payoutdomain.CorrectionStatusUnpaid,
	}
	require.NoError(t, f.db.Create(&correction).Error)
	invoice := invoicedomain.Invoice{
		ID:         f.node.Generate(),
		PartnerID:  partnerID,
		ContractID: contractID,
		PayoutID:   created.ID,
	}
	require.NoError(t, f.db.Create(&invoice).Error)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		payout, err := f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, payoutdomain.Contribution{
			Type:   payoutdomain.MetaTypeRentInvoice,
			Amount: decimal.RequireFromString("10000.00"),
		})
		if err != nil {
			return err
		}
		assert.Equal(t, payoutdomain.StatusEstimated, payout.Status)
		assert.Equal(t, "10000.00", payout.Amount.StringFixed(2))
		return nil
	}))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		payout, err := f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, payoutdomain.Contribution{
			Type:   payoutdomain.MetaTypeCommission,
			Amount: decimal.RequireFromString("-10000.00"),
		})
		if err != nil {
			return err
		}
		assert.Equal(t, payoutdomain.StatusCompleted, payout.Status)
		assert.NotNil(t, payout.PaidAt)
		return nil
	}))

	var storedCorrection payoutdomain.Correction
	require.NoError(t, f.db.First(&storedCorrection, "id = ?", correction.ID).Error)
	assert.Equal(t, payoutdomain.CorrectionStatusPaid, storedCorrection.Status)

	var storedInvoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&storedInvoice, "id = ?", invoice.ID).Error)
	assert.True(t, storedInvoice.PayoutPaid)
}

func TestAdjustEstimated_FinalSettlementNeedsItsEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()

	_, err := f.svc.CreateEstimated(ctx, partnerID, contractID, 0, 0, true)
	require.NoError(t, err)

	adjust := func(metaType payoutdomain.MetaType, amount string) *payoutdomain.Payout {
		t.Helper()
		var payout *payoutdomain.Payout
		f.clock.Advance(time.Minute)
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			var err error
			payout, err = f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, payoutdomain.Contribution{
				Type:   metaType,
				Amount: decimal.RequireFromString(amount),
			})
			return err
		}))
		return payout
	}

	adjust(payoutdomain.MetaTypeRentInvoice, "500.00")
	// sum reaches zero but no final-settlement entry exists yet
	payout := adjust(payoutdomain.MetaTypeCreditNote, "-500.00")
	assert.Equal(t, payoutdomain.StatusEstimated, payout.Status)

	adjust(payoutdomain.MetaTypeRentInvoice, "100.00")
	payout = adjust(payoutdomain.MetaTypeFinalSettlement, "-100.00")
	assert.Equal(t, payoutdomain.StatusCompleted, payout.Status)
}

func TestAttachPaidInfo_IdempotentPerInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()
	invoiceID := f.node.Generate()

	_, err := f.svc.CreateEstimated(ctx, partnerID, contractID, 0, 0, false)
	require.NoError(t, err)

	attach := func() {
		f.clock.Advance(time.Minute)
		require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
			return f.svc.AttachPaidInfo(ctx, tx, contractID, invoiceID, decimal.RequireFromString("8200.00"))
		}))
	}
	attach()
	attach()

	payout, err := f.svc.GetByContract(ctx, contractID)
	require.NoError(t, err)
	require.NotNil(t, payout)
	require.Len(t, payout.Meta, 1)
	assert.Equal(t, payoutdomain.MetaTypeInvoicePaid, payout.Meta[0].Type)
	assert.Equal(t, "8200.00", payout.Amount.StringFixed(2))
}

func TestReversePaidInfo_RemovesTheEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()
	invoiceID := f.node.Generate()

	_, err := f.svc.CreateEstimated(ctx, partnerID, contractID, 0, 0, false)
	require.NoError(t, err)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.AttachPaidInfo(ctx, tx, contractID, invoiceID, decimal.RequireFromString("8200.00"))
	}))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.ReversePaidInfo(ctx, tx, contractID, invoiceID)
	}))

	payout, err := f.svc.GetByContract(ctx, contractID)
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Empty(t, payout.Meta)
	assert.True(t, payout.Amount.IsZero())
	// zero by removal, not by settling: the payout must not complete
	assert.Equal(t, payoutdomain.StatusEstimated, payout.Status)
}

func TestAdjustEstimated_TerminalPayoutRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	partnerID := f.node.Generate()
	contractID := f.node.Generate()

	created, err := f.svc.CreateEstimated(ctx, partnerID, contractID, 0, 0, false)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&payoutdomain.Payout{}).
		Where("id = ?", created.ID).
		Update("status", string(payoutdomain.StatusCompleted)).Error)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.AdjustEstimated(ctx, tx, partnerID, contractID, payoutdomain.Contribution{
			Type:   payoutdomain.MetaTypeRentInvoice,
			Amount: decimal.RequireFromString("100.00"),
		})
		return err
	})
	assert.ErrorIs(t, err, payoutdomain.ErrPayoutTerminal)
}
