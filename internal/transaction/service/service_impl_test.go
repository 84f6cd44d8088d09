package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	contractdomain "github.com/rentfolio/billing/internal/contract/domain"
	partnerdomain "github.com/rentfolio/billing/internal/partner/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&partnerdomain.Settings{},
		&contractdomain.Contract{},
		&transactiondomain.Transaction{},
	))
	// sqlite needs the exact unique index for ON CONFLICT to target
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_transactions_fingerprint
		ON transactions(partner_id, invoice_id, payout_id, correction_id, type, sub_type, amount)`)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return db, node
}

func seedPartner(t *testing.T, db *gorm.DB, node *snowflake.Node, enabled bool) snowflake.ID {
	t.Helper()
	partnerID := node.Generate()
	require.NoError(t, db.Create(&partnerdomain.Settings{
		ID:                  node.Generate(),
		PartnerID:           partnerID,
		TransactionsEnabled: enabled,
		Timezone:            "Europe/Oslo",
		CompanyName:         "Rentfolio AS",
		BankAccountNumber:   "1503.22.87654",
	}).Error)
	return partnerID
}

func TestCreate_NoOpWhenTransactionsDisabled(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, false)

	created, err := svc.Create(context.Background(), db, transactiondomain.Candidate{
		PartnerID: partnerID,
		InvoiceID: node.Generate(),
		Type:      transactiondomain.TypeInvoice,
		SubType:   transactiondomain.SubTypeRent,
		Amount:    decimal.NewFromInt(12000),
		Period:    "2026-03",
	})
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	db.Model(&transactiondomain.Transaction{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestCreate_SameFingerprintTwiceStoresOneRow(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, true)
	invoiceID := node.Generate()

	candidate := transactiondomain.Candidate{
		PartnerID: partnerID,
		InvoiceID: invoiceID,
		Type:      transactiondomain.TypeInvoice,
		SubType:   transactiondomain.SubTypeRent,
		Amount:    decimal.RequireFromString("10500.00"),
		Period:    "2026-03",
	}

	created, err := svc.Create(context.Background(), db, candidate)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Create(context.Background(), db, candidate)
	require.NoError(t, err)
	assert.False(t, created)

	var count int64
	db.Model(&transactiondomain.Transaction{}).Where("invoice_id = ?", invoiceID).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestCreate_DifferentSubTypesBothStored(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, true)
	invoiceID := node.Generate()

	for _, subType := range []transactiondomain.SubType{
		transactiondomain.SubTypeRent,
		transactiondomain.SubTypeFee,
	} {
		created, err := svc.Create(context.Background(), db, transactiondomain.Candidate{
			PartnerID: partnerID,
			InvoiceID: invoiceID,
			Type:      transactiondomain.TypeInvoice,
			SubType:   subType,
			Amount:    decimal.NewFromInt(100),
			Period:    "2026-03",
		})
		require.NoError(t, err)
		assert.True(t, created)
	}

	var count int64
	db.Model(&transactiondomain.Transaction{}).Where("invoice_id = ?", invoiceID).Count(&count)
	assert.Equal(t, int64(2), count)
}

func TestCreate_ResolvesContractContext(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, true)

	contract := contractdomain.Contract{
		ID:         node.Generate(),
		PartnerID:  partnerID,
		PropertyID: node.Generate(),
		TenantID:   node.Generate(),
		AccountID:  node.Generate(),
		AgentID:    node.Generate(),
		BranchID:   node.Generate(),
	}
	require.NoError(t, db.Create(&contract).Error)

	created, err := svc.Create(context.Background(), db, transactiondomain.Candidate{
		PartnerID:  partnerID,
		InvoiceID:  node.Generate(),
		ContractID: contract.ID,
		Type:       transactiondomain.TypeInvoice,
		SubType:    transactiondomain.SubTypeRent,
		Amount:     decimal.NewFromInt(8000),
		Period:     "2026-04",
	})
	require.NoError(t, err)
	assert.True(t, created)

	var row transactiondomain.Transaction
	require.NoError(t, db.First(&row, "contract_id = ?", contract.ID).Error)
	assert.Equal(t, contract.PropertyID, row.PropertyID)
	assert.Equal(t, contract.TenantID, row.TenantID)
	assert.Equal(t, contract.AgentID, row.AgentID)
	assert.Equal(t, "Rentfolio AS", row.CompanyName)
	assert.Equal(t, "1503.22.87654", row.BankAccountNumber)
}

func TestCreate_Validation(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, true)

	_, err := svc.Create(context.Background(), db, transactiondomain.Candidate{
		PartnerID: partnerID,
		Type:      transactiondomain.TypeInvoice,
		SubType:   transactiondomain.SubTypeRent,
		Amount:    decimal.NewFromInt(1),
		Period:    "March 2026",
	})
	assert.ErrorIs(t, err, transactiondomain.ErrInvalidPeriod)

	_, err = svc.Create(context.Background(), db, transactiondomain.Candidate{
		PartnerID: partnerID,
		Type:      transactiondomain.TypeInvoice,
		SubType:   transactiondomain.SubTypeRent,
		Period:    "2026-03",
	})
	assert.ErrorIs(t, err, transactiondomain.ErrInvalidAmount)
}

func TestSummarize_NegatesLossRecognition(t *testing.T) {
	db, node := newTestDB(t)
	svc := NewService(Params{DB: db, Log: zap.NewNop(), GenID: node})
	partnerID := seedPartner(t, db, node, true)

	candidates := []transactiondomain.Candidate{
		{PartnerID: partnerID, InvoiceID: node.Generate(), Type: transactiondomain.TypeInvoice, SubType: transactiondomain.SubTypeRent, Amount: decimal.NewFromInt(10000), Period: "2026-05"},
		{PartnerID: partnerID, InvoiceID: node.Generate(), Type: transactiondomain.TypeInvoice, SubType: transactiondomain.SubTypeRent, Amount: decimal.NewFromInt(5000), Period: "2026-05"},
		{PartnerID: partnerID, InvoiceID: node.Generate(), Type: transactiondomain.TypeInvoice, SubType: transactiondomain.SubTypeLossRecognition, Amount: decimal.NewFromInt(2000), Period: "2026-05"},
	}
	for _, candidate := range candidates {
		_, err := svc.Create(context.Background(), db, candidate)
		require.NoError(t, err)
	}

	summaries, err := svc.Summarize(context.Background(), partnerID, "2026-05")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	totals := map[transactiondomain.SubType]string{}
	for _, summary := range summaries {
		totals[summary.SubType] = summary.Total.StringFixed(2)
	}
	assert.Equal(t, "15000.00", totals[transactiondomain.SubTypeRent])
	assert.Equal(t, "-2000.00", totals[transactiondomain.SubTypeLossRecognition])
}
