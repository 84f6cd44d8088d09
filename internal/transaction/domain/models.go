// Package domain contains the immutable accounting-transaction ledger.
// Rows are append-only; corrections are inserted as signed reversals,
// history is never mutated.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Type string

const (
	TypeInvoice    Type = "invoice"
	TypeCreditNote Type = "credit_note"
	TypeCorrection Type = "correction"
	TypePayout     Type = "payout"
	TypeRefund     Type = "refund"
)

type SubType string

const (
	SubTypeRent            SubType = "rent"
	SubTypeRentWithVAT     SubType = "rent_with_vat"
	SubTypeFee             SubType = "fee"
	SubTypeAddon           SubType = "addon"
	SubTypeRoundedAmount   SubType = "rounded_amount"
	SubTypeCommission      SubType = "commission"
	SubTypeLossRecognition SubType = "loss_recognition"
	SubTypePayout          SubType = "payout"
	SubTypeRefund          SubType = "refund"
)

// Transaction is one ledger row. The fingerprint unique index over
// (partner, invoice, payout, correction, type, sub_type, amount) is the
// system's idempotency contract: at most one row per logical event.
// Absent references are stored as zero IDs, never NULL, so the index
// compares them.
type Transaction struct {
	ID           snowflake.ID    `gorm:"primaryKey"`
	PartnerID    snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_transactions_fingerprint,priority:1"`
	InvoiceID    snowflake.ID    `gorm:"not null;default:0;index;uniqueIndex:ux_transactions_fingerprint,priority:2"`
	PayoutID     snowflake.ID    `gorm:"not null;default:0;index;uniqueIndex:ux_transactions_fingerprint,priority:3"`
	CorrectionID snowflake.ID    `gorm:"not null;default:0;uniqueIndex:ux_transactions_fingerprint,priority:4"`
	Type         Type            `gorm:"type:text;not null;uniqueIndex:ux_transactions_fingerprint,priority:5"`
	SubType      SubType         `gorm:"type:text;not null;uniqueIndex:ux_transactions_fingerprint,priority:6"`
	Amount       decimal.Decimal `gorm:"type:numeric(14,2);not null;uniqueIndex:ux_transactions_fingerprint,priority:7"`

	Period       string       `gorm:"type:text;not null;index"`
	CommissionID snowflake.ID `gorm:"not null;default:0"`
	ContractID   snowflake.ID `gorm:"not null;default:0;index"`
	PropertyID   snowflake.ID `gorm:"not null;default:0"`
	TenantID     snowflake.ID `gorm:"not null;default:0"`
	AccountID    snowflake.ID `gorm:"not null;default:0"`
	AgentID      snowflake.ID `gorm:"not null;default:0"`
	BranchID     snowflake.ID `gorm:"not null;default:0"`

	CompanyName       string `gorm:"type:text"`
	BankAccountNumber string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// Candidate is a transaction before denormalized context resolution. Call
// sites fill the identity and accounting fields; the writer resolves the
// partner and contract context.
type Candidate struct {
	PartnerID    snowflake.ID
	InvoiceID    snowflake.ID
	PayoutID     snowflake.ID
	CorrectionID snowflake.ID
	CommissionID snowflake.ID
	ContractID   snowflake.ID
	Type         Type
	SubType      SubType
	Amount       decimal.Decimal
	Period       string
}

// Summary is one aggregated reporting line for a partner and period.
type Summary struct {
	Type    Type
	SubType SubType
	Total   decimal.Decimal
}

type Service interface {
	// Create appends the candidate if the partner has transactions enabled
	// and no row with the same fingerprint exists. Returns whether a row
	// was written; an existing fingerprint is a successful no-op.
	Create(ctx context.Context, tx *gorm.DB, candidate Candidate) (bool, error)
	// Summarize aggregates a partner's rows for a YYYY-MM period.
	// loss_recognition amounts are negated in the sums.
	Summarize(ctx context.Context, partnerID snowflake.ID, period string) ([]Summary, error)
}

var (
	ErrInvalidPartner = errors.New("invalid_partner")
	ErrInvalidAmount  = errors.New("invalid_transaction_amount")
	ErrInvalidType    = errors.New("invalid_transaction_type")
	ErrInvalidPeriod  = errors.New("invalid_transaction_period")
)
