// Package domain contains commission rows and the proration contract.
// Commission rows are write-once; a credit reverses a commission by
// inserting a negated row that references the original.
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
	TypeBrokeringContract     Type = "brokering_contract"
	TypeManagementContract    Type = "management_contract"
	TypeAddonCommission       Type = "addon_commission"
	TypeAssignmentAddonIncome Type = "assignment_addon_income"
)

// ProratesOnPartialCredit reports whether the commission type is reversed
// proportionally on a day-prorated credit. Brokering and assignment-addon
// commissions are one-shot and only reverse on a full credit.
func (t Type) ProratesOnPartialCredit() bool {
	switch t {
	case TypeManagementContract, TypeAddonCommission:
		return true
	default:
		return false
	}
}

type Commission struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	PartnerID snowflake.ID    `gorm:"not null;index"`
	SerialID  int64           `gorm:"not null;default:0"`
	Type      Type            `gorm:"type:text;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(14,2);not null"`

	// InvoiceID points at the carrying document: the rent invoice for an
	// original row, the credit note for a reversal row.
	InvoiceID snowflake.ID `gorm:"not null;index"`
	// CommissionID is zero on originals and references the reversed
	// commission on reversal rows.
	CommissionID snowflake.ID `gorm:"not null;default:0;index"`

	ContractID snowflake.ID `gorm:"not null;index"`
	PropertyID snowflake.ID `gorm:"not null;default:0"`
	AgentID    snowflake.ID `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Commission) TableName() string { return "commissions" }

// ReversalSpec describes how much of the originals a credit note unwinds.
type ReversalSpec struct {
	// FullCredit reverses every commission in full.
	FullCredit bool
	// For day-prorated credits, the invoice's total and creditable days.
	InvoiceTotalDays int
	CreditableDays   int
}

type Service interface {
	// CreateReversals inserts negated commission rows for the credit note.
	// Originals are never mutated. Commission types that do not prorate are
	// skipped on partial credits.
	CreateReversals(ctx context.Context, tx *gorm.DB, partnerID, creditNoteID snowflake.ID, originals []Commission, spec ReversalSpec) ([]Commission, error)
	// ForInvoice lists the original commission rows carried by an invoice,
	// reading through the caller's storage session.
	ForInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]Commission, error)
}

var (
	ErrInvalidCreditNote = errors.New("invalid_credit_note")
	ErrInvalidSpec       = errors.New("invalid_reversal_spec")
)
