package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

// CreditKind selects how much of an invoice a credit note unwinds.
type CreditKind string

const (
	CreditFull     CreditKind = "full"
	CreditPartial  CreditKind = "partial"
	CreditProrated CreditKind = "prorated"
)

// CreditRequest asks for an existing invoice to be credited.
type CreditRequest struct {
	InvoiceID snowflake.ID
	Kind      CreditKind
	// RemainingAmount is the explicit non-negative total of the replacement
	// invoice for partial credits.
	RemainingAmount decimal.Decimal
	// CreditableDays is the day count for prorated credits.
	CreditableDays int
}

// CreditResult reports what the credit produced. AlreadyCredited marks the
// idempotent re-run case: the original was fully credited before and
// nothing was written.
type CreditResult struct {
	CreditNote      *Invoice
	Replacement     *Invoice
	Original        *Invoice
	AlreadyCredited bool
}

type ListRequest struct {
	PartnerID  snowflake.ID
	ContractID snowflake.ID
	Status     *Status
	Page       pagination.Pagination
}

type ListResult struct {
	Invoices []Invoice
	PageInfo pagination.PageInfo
}

type Service interface {
	GetByID(ctx context.Context, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, req ListRequest) (ListResult, error)

	// UpdateStatus recomputes the status from facts and applies the
	// transition with its side effects in one unit of work.
	UpdateStatus(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	// RegisterPayment adds to the paid total and re-derives the status.
	RegisterPayment(ctx context.Context, invoiceID snowflake.ID, amount decimal.Decimal) (*Invoice, error)
	// MarkSent moves a freshly created invoice into circulation.
	MarkSent(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	// MarkLost writes off the outstanding balance as a loss. Rejected while
	// a transaction job for the invoice is still in flight.
	MarkLost(ctx context.Context, invoiceID snowflake.ID) (*Invoice, error)
	// RegisterBalance settles part of a document by balancing instead of
	// payment; a fully balanced document becomes terminal.
	RegisterBalance(ctx context.Context, invoiceID snowflake.ID, amount decimal.Decimal) (*Invoice, error)

	// CreditInvoice runs the credit-note pipeline: create the credit note
	// (and replacement for partial credits), update the original, reverse
	// commissions, adjust the payout and record ledger rows.
	CreditInvoice(ctx context.Context, req CreditRequest) (CreditResult, error)

	// BackfillSerials assigns serial numbers to a bounded batch of invoices
	// missing one and re-enqueues itself while a backlog remains. Returns
	// how many invoices were stamped.
	BackfillSerials(ctx context.Context, batchSize int) (int, error)
}

var (
	ErrInvoiceNotFound       = errors.New("invoice_not_found")
	ErrContractNotFound      = errors.New("contract_not_found")
	ErrInvalidInvoiceID      = errors.New("invalid_invoice_id")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrInvalidCreditRequest  = errors.New("invalid_credit_request")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
	ErrCreditExceedsBase     = errors.New("credit_exceeds_creditable_base")
	ErrInvoiceTerminal       = errors.New("invoice_in_terminal_status")
	ErrTransactionJobPending = errors.New("transaction_job_in_flight")
	ErrPeriodRequired        = errors.New("invoice_period_required")
	ErrStatusConflict        = errors.New("invoice_status_conflict")
)
