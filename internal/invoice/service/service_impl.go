package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/internal/clock"
	commissiondomain "github.com/rentfolio/billing/internal/commission/domain"
	contractdomain "github.com/rentfolio/billing/internal/contract/domain"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"github.com/rentfolio/billing/internal/events"
	domain "github.com/rentfolio/billing/internal/invoice/domain"
	"github.com/rentfolio/billing/internal/money"
	partnerdomain "github.com/rentfolio/billing/internal/partner/domain"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"github.com/rentfolio/billing/pkg/db/option"
	"github.com/rentfolio/billing/pkg/db/pagination"
	"github.com/rentfolio/billing/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultEvictionNoticeDays = 14

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	CounterSvc     counterdomain.Service
	CommissionSvc  commissiondomain.Service
	PayoutSvc      payoutdomain.Service
	Outbox         *events.Outbox
	TransactionSvc transactiondomain.Service `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	counterSvc     counterdomain.Service
	commissionSvc  commissiondomain.Service
	payoutSvc      payoutdomain.Service
	outbox         *events.Outbox
	transactionSvc transactiondomain.Service

	invoiceRepo  repository.Repository[domain.Invoice]
	contractRepo repository.Repository[contractdomain.Contract]
	settingsRepo repository.Repository[partnerdomain.Settings]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("invoice.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		counterSvc:     p.CounterSvc,
		commissionSvc:  p.CommissionSvc,
		payoutSvc:      p.PayoutSvc,
		outbox:         p.Outbox,
		transactionSvc: p.TransactionSvc,

		invoiceRepo:  repository.ProvideStore[domain.Invoice](p.DB),
		contractRepo: repository.ProvideStore[contractdomain.Contract](p.DB),
		settingsRepo: repository.ProvideStore[partnerdomain.Settings](p.DB),
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	if id == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	invoice, err := s.invoiceRepo.FindOne(ctx, &domain.Invoice{ID: id})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResult, error) {
	query := &domain.Invoice{
		PartnerID:  req.PartnerID,
		ContractID: req.ContractID,
	}
	pageSize := req.Page.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	if pageSize > 250 {
		pageSize = 250
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{Default: "created_at", Desc: true}),
		// one extra row tells us whether a next page exists
		option.WithLimit(pageSize + 1),
	}
	if req.Status != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "status",
			Operator: option.EQ,
			Value:    string(*req.Status),
		}))
	}
	if req.Page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.Page.PageToken)
		if err != nil {
			return domain.ListResult{}, domain.ErrInvalidPageToken
		}
		before, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return domain.ListResult{}, domain.ErrInvalidPageToken
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LT,
			Value:    before,
		}))
	}

	rows, err := s.invoiceRepo.Find(ctx, query, opts...)
	if err != nil {
		return domain.ListResult{}, err
	}

	result := domain.ListResult{}
	result.PageInfo.HasMore = len(rows) > pageSize
	if result.PageInfo.HasMore {
		rows = rows[:pageSize]
	}
	result.Invoices = make([]domain.Invoice, 0, len(rows))
	for _, row := range rows {
		result.Invoices = append(result.Invoices, *row)
	}
	if result.PageInfo.HasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        last.ID.String(),
			CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return domain.ListResult{}, err
		}
		result.PageInfo.NextPageToken = token
	}
	return result, nil
}

// UpdateStatus re-derives the invoice status from its current facts and
// applies the transition, side effects included, in one unit of work.
func (s *Service) UpdateStatus(ctx context.Context, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	var updated *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.load(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		next := domain.DeriveStatus(invoice.Facts(s.clock.Now()))
		updated, err = s.applyTransition(ctx, tx, invoice, next, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) RegisterPayment(ctx context.Context, invoiceID snowflake.ID, amount decimal.Decimal) (*domain.Invoice, error) {
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	if amount.IsZero() {
		return nil, domain.ErrInvalidAmount
	}
	var updated *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.load(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status.Terminal() {
			return domain.ErrInvoiceTerminal
		}
		invoice.TotalPaid = money.RoundTo2(invoice.TotalPaid.Add(amount))
		next := domain.DeriveStatus(invoice.Facts(s.clock.Now()))
		updated, err = s.applyTransition(ctx, tx, invoice, next, map[string]any{
			"total_paid": invoice.TotalPaid,
		})
		if err != nil {
			return err
		}
		// hand the payment to the ledger ingestion pipeline; MarkLost
		// refuses to write off while this job is still pending
		job := events.Job{
			PartnerID: invoice.PartnerID,
			Action:    events.ActionAddNewTransaction,
			Params: map[string]any{
				"invoiceId": invoice.ID.String(),
				"amount":    amount.StringFixed(2),
				"totalPaid": invoice.TotalPaid.StringFixed(2),
			},
			DedupeKey: fmt.Sprintf("payment:%s:%s", invoice.ID, invoice.TotalPaid.StringFixed(2)),
		}
		return s.outbox.PublishTx(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) MarkSent(ctx context.Context, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	var updated *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.load(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status == domain.StatusSent {
			updated = invoice
			return nil
		}
		if invoice.Status != domain.StatusNew && invoice.Status != domain.StatusCreated {
			if invoice.Status.Terminal() {
				return domain.ErrInvoiceTerminal
			}
			return domain.ErrStatusConflict
		}
		updated, err = s.applyTransition(ctx, tx, invoice, domain.StatusSent, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkLost writes off the outstanding balance. The write-off is refused
// while a ledger job for the invoice is still queued so the loss row
// cannot race the regular one.
func (s *Service) MarkLost(ctx context.Context, invoiceID snowflake.ID) (*domain.Invoice, error) {
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	pending, err := s.outbox.HasPending(ctx, s.db, events.ActionAddNewTransaction, invoiceID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, domain.ErrTransactionJobPending
	}
	var updated *domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.load(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status.Terminal() {
			return domain.ErrInvoiceTerminal
		}
		due := invoice.DueAmount()
		if !due.IsPositive() {
			return domain.ErrInvalidAmount
		}
		invoice.LostAmount = due
		updated, err = s.applyTransition(ctx, tx, invoice, domain.StatusLost, map[string]any{
			"lost_amount": due,
		})
		if err != nil {
			return err
		}
		return s.recordLoss(ctx, tx, updated, due)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) RegisterBalance(ctx context.Context, invoiceID snowflake.ID, amount decimal.Decimal) (*domain.Invoice, error) {
	if invoiceID == 0 {
		return nil, domain.ErrInvalidInvoiceID
	}
	if !amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	var updated *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.load(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice.Status.Terminal() {
			return domain.ErrInvoiceTerminal
		}
		// balanced totals are stored negative against a positive invoice total
		invoice.TotalBalanced = money.RoundTo2(invoice.TotalBalanced.Sub(amount))
		next := invoice.Status
		if !invoice.DueAmount().IsPositive() {
			next = domain.StatusBalanced
		}
		updated, err = s.applyTransition(ctx, tx, invoice, next, map[string]any{
			"total_balanced": invoice.TotalBalanced,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) load(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (*domain.Invoice, error) {
	invoice, err := s.invoiceRepo.WithTrx(tx).FindOne(ctx, &domain.Invoice{ID: invoiceID})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	return invoice, nil
}

// applyTransition persists the status change plus any extra column writes
// as one guarded update and runs the transition hooks. The guard on the
// previous status turns concurrent movers into an explicit conflict.
func (s *Service) applyTransition(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, next domain.Status, extra map[string]any) (*domain.Invoice, error) {
	prev := invoice.Status
	now := s.clock.Now()

	updates := map[string]any{"updated_at": now}
	for column, value := range extra {
		updates[column] = value
	}
	if next != prev {
		updates["status"] = string(next)
	}

	enteredPaid := next == domain.StatusPaid && prev != domain.StatusPaid
	leftPaid := prev == domain.StatusPaid && next != domain.StatusPaid

	if enteredPaid {
		updates["paid_at"] = now
		invoice.PaidAt = &now
		if invoice.IsDefaulted {
			updates["is_defaulted"] = false
			invoice.IsDefaulted = false
			if err := s.clearContractDefault(ctx, tx, invoice, now); err != nil {
				return nil, err
			}
		}
		if !invoice.InvoiceType.IsLandlord() && invoice.PayoutableAmount.IsPositive() {
			if err := s.payoutSvc.AttachPaidInfo(ctx, tx, invoice.ContractID, invoice.ID, invoice.PayoutableAmount); err != nil {
				return nil, err
			}
		}
		if invoice.EvictionDueReminderSentAt != nil {
			job := events.Job{
				PartnerID: invoice.PartnerID,
				Action:    events.ActionProcessEvictionCase,
				Params:    map[string]any{"invoiceId": invoice.ID.String()},
				DedupeKey: fmt.Sprintf("eviction:reprocess:%s", invoice.ID),
			}
			if err := s.outbox.PublishTx(ctx, tx, job); err != nil {
				return nil, err
			}
		}
	}
	if leftPaid {
		updates["paid_at"] = nil
		invoice.PaidAt = nil
		if !invoice.InvoiceType.IsLandlord() {
			if err := s.payoutSvc.ReversePaidInfo(ctx, tx, invoice.ContractID, invoice.ID); err != nil {
				return nil, err
			}
		}
	}
	if next == domain.StatusOverdue && prev != domain.StatusOverdue {
		if err := s.stampEvictionNotice(ctx, tx, invoice, updates, now); err != nil {
			return nil, err
		}
	}
	if next == domain.StatusBalanced && prev != domain.StatusBalanced && !invoice.InvoiceType.IsLandlord() {
		if err := s.backfillPayoutLink(ctx, tx, invoice, now); err != nil {
			return nil, err
		}
	}

	res := tx.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ? AND status = ?", invoice.ID, string(prev)).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrStatusConflict
	}

	invoice.Status = next
	invoice.UpdatedAt = now
	if prev != next {
		s.log.Info("invoice status changed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
		)
	}
	return invoice, nil
}

// clearContractDefault drops the contract-level defaulted tag once no other
// invoice on the contract still carries it.
func (s *Service) clearContractDefault(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, now any) error {
	var siblings int64
	err := tx.WithContext(ctx).Model(&domain.Invoice{}).
		Where("contract_id = ? AND is_defaulted = ? AND id <> ?", invoice.ContractID, true, invoice.ID).
		Count(&siblings).Error
	if err != nil {
		return err
	}
	if siblings > 0 {
		return nil
	}
	return tx.WithContext(ctx).Model(&contractdomain.Contract{}).
		Where("id = ?", invoice.ContractID).
		Updates(map[string]any{"is_defaulted": false, "updated_at": now}).Error
}

// stampEvictionNotice records when an eviction notice falls due for a
// freshly overdue tenant document. Stamped once; partner settings decide
// the notice window.
func (s *Service) stampEvictionNotice(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, updates map[string]any, now time.Time) error {
	if invoice.EvictionNoticeDueAt != nil || invoice.InvoiceType.IsLandlord() || invoice.InvoiceType.IsCredit() {
		return nil
	}
	days := defaultEvictionNoticeDays
	settings, err := s.settingsRepo.WithTrx(tx).FindOne(ctx, &partnerdomain.Settings{PartnerID: invoice.PartnerID})
	if err != nil {
		return err
	}
	if settings != nil && settings.EvictionNoticeDays > 0 {
		days = settings.EvictionNoticeDays
	}
	base := now
	if invoice.DueDate != nil {
		base = *invoice.DueDate
	}
	noticeDue := base.AddDate(0, 0, days)
	updates["eviction_notice_due_at"] = noticeDue
	invoice.EvictionNoticeDueAt = &noticeDue
	return nil
}

func (s *Service) backfillPayoutLink(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, now any) error {
	var payout payoutdomain.Payout
	err := tx.WithContext(ctx).Where("contract_id = ?", invoice.ContractID).First(&payout).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.WithContext(ctx).Model(&domain.Invoice{}).
		Where("contract_id = ? AND invoice_type = ? AND payout_id = 0", invoice.ContractID, string(domain.TypeLandlordInvoice)).
		Updates(map[string]any{"payout_id": payout.ID, "updated_at": now}).Error
}

// recordLoss appends the loss-recognition ledger row for a written-off
// invoice.
func (s *Service) recordLoss(ctx context.Context, tx *gorm.DB, invoice *domain.Invoice, due decimal.Decimal) error {
	if s.transactionSvc == nil {
		return nil
	}
	period := invoice.InvoiceMonth
	if period == "" && invoice.PeriodStart != nil {
		period = invoice.PeriodStart.Format("2006-01")
	}
	if period == "" {
		s.log.Warn("loss written off without a period, skipping ledger row",
			zap.String("invoice_id", invoice.ID.String()))
		return nil
	}
	_, err := s.transactionSvc.Create(ctx, tx, transactiondomain.Candidate{
		PartnerID:  invoice.PartnerID,
		InvoiceID:  invoice.ID,
		ContractID: invoice.ContractID,
		Type:       transactiondomain.TypeInvoice,
		SubType:    transactiondomain.SubTypeLossRecognition,
		Amount:     due,
		Period:     period,
	})
	return err
}
