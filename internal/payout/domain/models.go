// Package domain contains the landlord payout record and its meta ledger.
// A payout accumulates signed contributions; its amount is always the sum
// of the meta entries and completion means that sum reached zero.
package domain

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/internal/money"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Status string

const (
	StatusEstimated          Status = "estimated"
	StatusPendingForApproval Status = "pending_for_approval"
	StatusApproved           Status = "approved"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// Terminal reports whether no further financial mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type MetaType string

const (
	MetaTypeRentInvoice         MetaType = "rent_invoice"
	MetaTypeCreditNote          MetaType = "credit_note"
	MetaTypeCommission          MetaType = "rent_commission"
	MetaTypeCommissionReversal  MetaType = "commission_reversal"
	MetaTypeCorrection          MetaType = "correction"
	MetaTypeUnpaidEarlierPayout MetaType = "unpaid_earlier_payout"
	MetaTypeFinalSettlement     MetaType = "final_settlement"
	MetaTypeInvoicePaid         MetaType = "invoice_paid"
)

// MetaEntry is one signed contribution to the payout.
type MetaEntry struct {
	Type         MetaType        `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	InvoiceID    string          `json:"invoiceId,omitempty"`
	CommissionID string          `json:"commissionId,omitempty"`
	CorrectionID string          `json:"correctionId,omitempty"`
}

// MetaList is the payout's contribution ledger, stored as a JSON array.
type MetaList []MetaEntry

func (m MetaList) Value() (driver.Value, error) {
	if m == nil {
		m = MetaList{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (m *MetaList) Scan(value any) error {
	if value == nil {
		*m = MetaList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported meta column type %T", value)
	}
	if len(raw) == 0 {
		*m = MetaList{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// Sum adds every contribution, rounded to 2 decimals.
func (m MetaList) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, entry := range m {
		total = total.Add(entry.Amount)
	}
	return money.RoundTo2(total)
}

// HasInvoiceEntry reports whether an entry of the given type references the
// invoice.
func (m MetaList) HasInvoiceEntry(metaType MetaType, invoiceID snowflake.ID) bool {
	id := invoiceID.String()
	for _, entry := range m {
		if entry.Type == metaType && entry.InvoiceID == id {
			return true
		}
	}
	return false
}

// FinalSettlementComplete is the completion predicate for final-settlement
// payouts: the sum must be zero and a final-settlement entry must be
// present, so an empty or half-built meta ledger never completes one.
func (m MetaList) FinalSettlementComplete() bool {
	if !m.Sum().IsZero() {
		return false
	}
	for _, entry := range m {
		if entry.Type == MetaTypeFinalSettlement {
			return true
		}
	}
	return false
}

type Payout struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	PartnerID snowflake.ID `gorm:"not null;index"`
	SerialID  int64        `gorm:"not null;default:0"`
	// One payout record per contract; the uniqueness backs idempotent
	// estimated-payout creation.
	ContractID snowflake.ID `gorm:"not null;uniqueIndex:ux_payouts_contract"`
	PropertyID snowflake.ID `gorm:"not null;default:0"`
	LandlordID snowflake.ID `gorm:"not null;default:0;index"`

	Status            Status          `gorm:"type:text;not null;default:'estimated'"`
	Amount            decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	EstimatedAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	IsFinalSettlement bool            `gorm:"not null;default:false"`
	Meta              MetaList        `gorm:"type:jsonb;not null;default:'[]'"`

	PaidAt    *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Payout) TableName() string { return "payouts" }

type CorrectionStatus string

const (
	CorrectionStatusUnpaid CorrectionStatus = "unpaid"
	CorrectionStatusPaid   CorrectionStatus = "paid"
)

// Correction is a manual adjustment settled through a payout.
type Correction struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	PartnerID  snowflake.ID     `gorm:"not null;index"`
	ContractID snowflake.ID     `gorm:"not null;index"`
	PayoutID   snowflake.ID     `gorm:"not null;default:0;index"`
	Amount     decimal.Decimal  `gorm:"type:numeric(14,2);not null"`
	Status     CorrectionStatus `gorm:"type:text;not null;default:'unpaid'"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Correction) TableName() string { return "corrections" }

// Contribution is one adjustment request against a contract's payout.
type Contribution struct {
	Type         MetaType
	Amount       decimal.Decimal
	InvoiceID    snowflake.ID
	CommissionID snowflake.ID
	CorrectionID snowflake.ID
}

type Service interface {
	// AdjustEstimated appends the contribution to the contract's payout and
	// recomputes the running sums, completing the payout when they reach
	// zero. When no payout exists yet a creation job is enqueued instead and
	// nil is returned.
	AdjustEstimated(ctx context.Context, tx *gorm.DB, partnerID, contractID snowflake.ID, contribution Contribution) (*Payout, error)
	// AttachPaidInfo records that an invoice was paid towards the payout.
	// Idempotent per invoice.
	AttachPaidInfo(ctx context.Context, tx *gorm.DB, contractID, invoiceID snowflake.ID, amount decimal.Decimal) error
	// ReversePaidInfo removes a previously attached paid entry, e.g. when a
	// paid invoice is later credited.
	ReversePaidInfo(ctx context.Context, tx *gorm.DB, contractID, invoiceID snowflake.ID) error
	// CreateEstimated creates the contract's estimated payout. Safe to
	// re-run; an existing payout is returned unchanged.
	CreateEstimated(ctx context.Context, partnerID, contractID, landlordID, propertyID snowflake.ID, finalSettlement bool) (*Payout, error)
	// GetByContract returns the contract's payout or nil.
	GetByContract(ctx context.Context, contractID snowflake.ID) (*Payout, error)
}

var (
	ErrInvalidContract = errors.New("invalid_contract")
	ErrInvalidAmount   = errors.New("invalid_payout_amount")
	ErrPayoutTerminal  = errors.New("payout_already_settled")
	ErrMetaSumMismatch = errors.New("payout_amount_disagrees_with_meta")
)
