// Package domain contains the invoice document model. An invoice is any
// billable document: rent invoice, credit note, landlord invoice or
// landlord credit note. Credit notes are invoices with a back-reference to
// the document they credit.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/internal/money"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeInvoice            Type = "invoice"
	TypeCreditNote         Type = "credit_note"
	TypeLandlordInvoice    Type = "landlord_invoice"
	TypeLandlordCreditNote Type = "landlord_credit_note"
)

// IsLandlord reports whether the document settles against the landlord
// rather than the tenant. The due-amount formula differs for these.
func (t Type) IsLandlord() bool {
	return t == TypeLandlordInvoice || t == TypeLandlordCreditNote
}

// IsCredit reports whether the document is itself a credit note.
func (t Type) IsCredit() bool {
	return t == TypeCreditNote || t == TypeLandlordCreditNote
}

type Status string

const (
	StatusNew       Status = "new"
	StatusCreated   Status = "created"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusOverdue   Status = "overdue"
	StatusDefaulted Status = "defaulted"
	StatusLost      Status = "lost"
	StatusCredited  Status = "credited"
	StatusBalanced  Status = "balanced"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status permits no further financial
// mutation, only tag clears. Terminal statuses are sticky: recomputing
// paid/overdue facts never moves an invoice out of one.
func (s Status) Terminal() bool {
	switch s {
	case StatusCredited, StatusLost, StatusBalanced, StatusCancelled:
		return true
	default:
		return false
	}
}

// ContentLine is one rent line on the invoice.
type ContentLine struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
}

// FeeLine is an invoice fee. Moved fees have been carried to a replacement
// invoice and are never credited again.
type FeeLine struct {
	Type   string          `json:"type"`
	Amount decimal.Decimal `json:"amount"`
	Moved  bool            `json:"moved,omitempty"`
}

// AddonLine is a contract addon billed on the invoice. Only recurring
// addons participate in day-prorated credits.
type AddonLine struct {
	AddonID     string          `json:"addonId,omitempty"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Recurring   bool            `json:"recurring"`
}

// CommissionLine mirrors a commission row carried by the invoice.
type CommissionLine struct {
	CommissionID string          `json:"commissionId"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
}

type ContentLines []ContentLine
type FeeLines []FeeLine
type AddonLines []AddonLine
type CommissionLines []CommissionLine
type IDList []string

func (l ContentLines) Value() (driver.Value, error)    { return jsonValue(l) }
func (l *ContentLines) Scan(value any) error           { return jsonScan(l, value) }
func (l FeeLines) Value() (driver.Value, error)        { return jsonValue(l) }
func (l *FeeLines) Scan(value any) error               { return jsonScan(l, value) }
func (l AddonLines) Value() (driver.Value, error)      { return jsonValue(l) }
func (l *AddonLines) Scan(value any) error             { return jsonScan(l, value) }
func (l CommissionLines) Value() (driver.Value, error) { return jsonValue(l) }
func (l *CommissionLines) Scan(value any) error        { return jsonScan(l, value) }
func (l IDList) Value() (driver.Value, error)          { return jsonValue(l) }
func (l *IDList) Scan(value any) error                 { return jsonScan(l, value) }

func jsonValue(v any) (driver.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func jsonScan(dst any, value any) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

type Invoice struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	PartnerID snowflake.ID `gorm:"not null;index"`
	SerialID  int64        `gorm:"not null;default:0;index"`

	InvoiceType Type   `gorm:"type:text;not null;default:'invoice'"`
	Status      Status `gorm:"type:text;not null;default:'new';index"`

	// InvoiceID back-references the credited invoice on credit notes.
	InvoiceID  snowflake.ID `gorm:"not null;default:0;index"`
	ContractID snowflake.ID `gorm:"not null;index"`
	PropertyID snowflake.ID `gorm:"not null;default:0"`
	TenantID   snowflake.ID `gorm:"not null;default:0"`
	AccountID  snowflake.ID `gorm:"not null;default:0"`
	PayoutID   snowflake.ID `gorm:"not null;default:0;index"`

	InvoiceTotal decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	TotalPaid    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	// TotalBalanced and CreditedAmount are signed: balancing and crediting
	// store negative values against a positive invoice total.
	TotalBalanced    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	CreditedAmount   decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	LostAmount       decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	RoundedAmount    decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	PayoutableAmount decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`

	InvoiceContent  ContentLines    `gorm:"type:jsonb;not null;default:'[]'"`
	FeesMeta        FeeLines        `gorm:"type:jsonb;not null;default:'[]'"`
	AddonsMeta      AddonLines      `gorm:"type:jsonb;not null;default:'[]'"`
	CommissionsMeta CommissionLines `gorm:"type:jsonb;not null;default:'[]'"`
	CreditNoteIDs   IDList          `gorm:"type:jsonb;not null;default:'[]'"`

	IsDefaulted         bool `gorm:"not null;default:false"`
	IsPartiallyCredited bool `gorm:"not null;default:false"`
	IsFullyCredited     bool `gorm:"not null;default:false"`
	IsFinalSettlement   bool `gorm:"not null;default:false"`
	PayoutPaid          bool `gorm:"not null;default:false"`

	DueDate      *time.Time `gorm:"index"`
	PeriodStart  *time.Time `gorm:""`
	PeriodEnd    *time.Time `gorm:""`
	InvoiceMonth string     `gorm:"type:text;index"`

	PaidAt                    *time.Time `gorm:""`
	EvictionNoticeDueAt       *time.Time `gorm:""`
	EvictionNoticeSentAt      *time.Time `gorm:""`
	EvictionDueReminderSentAt *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// TotalDays is the inclusive day span of the billed period.
func (i Invoice) TotalDays() int {
	if i.PeriodStart == nil || i.PeriodEnd == nil || i.PeriodEnd.Before(*i.PeriodStart) {
		return 0
	}
	return int(i.PeriodEnd.Sub(*i.PeriodStart).Hours()/24) + 1
}

// CreditableBase is how much of the invoice can still be credited:
// the total plus the signed, non-positive already-credited amount.
func (i Invoice) CreditableBase() decimal.Decimal {
	return money.RoundTo2(i.InvoiceTotal.Add(i.CreditedAmount))
}

// DueAmount recomputes the outstanding balance; it is never cached.
// Landlord documents settle through balancing, tenant documents through
// payments, credits and loss recognition. The two formulas are kept as
// separate branches deliberately.
func (i Invoice) DueAmount() decimal.Decimal {
	if i.InvoiceType.IsLandlord() {
		return money.RoundTo2(i.InvoiceTotal.Sub(i.TotalPaid).Sub(i.TotalBalanced.Abs()))
	}
	return money.RoundTo2(i.InvoiceTotal.Sub(i.TotalPaid).Add(i.CreditedAmount).Sub(i.LostAmount))
}
