package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/rentfolio/billing/internal/commission/domain"
	"github.com/rentfolio/billing/internal/events"
	domain "github.com/rentfolio/billing/internal/invoice/domain"
	"github.com/rentfolio/billing/internal/money"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// creditPlan is the computed shape of one credit operation before any row
// is written.
type creditPlan struct {
	total       decimal.Decimal
	content     domain.ContentLines
	fees        domain.FeeLines
	addons      domain.AddonLines
	rounded     decimal.Decimal
	movedFees   bool
	closesDoc   bool
	reverseSpec *commissiondomain.ReversalSpec
}

// CreditInvoice runs the whole credit pipeline in one transaction: create
// the credit note (plus a replacement invoice for partial credits), update
// the original, reverse commissions, adjust the landlord payout, write the
// ledger rows and enqueue follow-up jobs.
func (s *Service) CreditInvoice(ctx context.Context, req domain.CreditRequest) (domain.CreditResult, error) {
	var result domain.CreditResult
	if req.InvoiceID == 0 {
		return result, domain.ErrInvalidInvoiceID
	}
	switch req.Kind {
	case domain.CreditFull:
	case domain.CreditPartial:
		if req.RemainingAmount.IsNegative() {
			return result, domain.ErrInvalidCreditRequest
		}
	case domain.CreditProrated:
		if req.CreditableDays <= 0 {
			return result, domain.ErrInvalidCreditRequest
		}
	default:
		return result, domain.ErrInvalidCreditRequest
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		original, err := s.load(ctx, tx, req.InvoiceID)
		if err != nil {
			return err
		}
		if original.InvoiceType.IsCredit() {
			return domain.ErrInvalidCreditRequest
		}
		if original.IsFullyCredited || original.Status == domain.StatusCredited {
			result = domain.CreditResult{Original: original, AlreadyCredited: true}
			return nil
		}
		if original.Status.Terminal() {
			return domain.ErrInvoiceTerminal
		}

		plan, err := s.buildCreditPlan(original, req)
		if err != nil {
			return err
		}

		creditNote, err := s.createCreditNote(ctx, tx, original, plan)
		if err != nil {
			return err
		}

		var replacement *domain.Invoice
		if req.Kind == domain.CreditPartial && req.RemainingAmount.IsPositive() {
			replacement, err = s.createReplacement(ctx, tx, original, req.RemainingAmount, plan)
			if err != nil {
				return err
			}
		}

		reversals, err := s.reverseCommissions(ctx, tx, original, creditNote, plan)
		if err != nil {
			return err
		}

		wasPaid := original.Status == domain.StatusPaid
		if err := s.updateCreditedOriginal(ctx, tx, original, creditNote, plan); err != nil {
			return err
		}
		paidReversed := wasPaid && original.Status != domain.StatusPaid

		if err := s.adjustPayoutForCredit(ctx, tx, original, creditNote, plan, reversals, paidReversed); err != nil {
			return err
		}

		if err := s.recordCreditLedger(ctx, tx, original, creditNote, plan, reversals); err != nil {
			return err
		}

		if len(reversals) > 0 {
			job := events.Job{
				PartnerID: original.PartnerID,
				Action:    events.ActionCreateLandlordCreditNote,
				Params: map[string]any{
					"creditNoteId": creditNote.ID.String(),
					"contractId":   original.ContractID.String(),
				},
				DedupeKey: fmt.Sprintf("landlord-credit:%s", creditNote.ID),
			}
			if err := s.outbox.PublishTx(ctx, tx, job); err != nil {
				return err
			}
		}

		result = domain.CreditResult{
			CreditNote:  creditNote,
			Replacement: replacement,
			Original:    original,
		}
		return nil
	})
	if err != nil {
		return domain.CreditResult{}, err
	}
	if !result.AlreadyCredited && result.CreditNote != nil {
		s.log.Info("invoice credited",
			zap.String("invoice_id", result.Original.ID.String()),
			zap.String("credit_note_id", result.CreditNote.ID.String()),
			zap.String("kind", string(req.Kind)),
			zap.String("credited", result.CreditNote.InvoiceTotal.Abs().StringFixed(2)),
		)
	}
	return result, nil
}

// buildCreditPlan decides what the credit note credits. Rent and recurring
// addons prorate by day ratio; brokering commission, non-recurring addons,
// fees and the rounding line move only on full credit. Fees already moved
// to a replacement are never credited again.
func (s *Service) buildCreditPlan(original *domain.Invoice, req domain.CreditRequest) (creditPlan, error) {
	base := original.CreditableBase()
	var plan creditPlan

	switch req.Kind {
	case domain.CreditFull:
		if !base.IsPositive() {
			return plan, domain.ErrInvalidCreditRequest
		}
		plan.total = base
		plan.content = append(plan.content, original.InvoiceContent...)
		for _, fee := range original.FeesMeta {
			if !fee.Moved {
				plan.fees = append(plan.fees, fee)
			}
		}
		plan.addons = append(plan.addons, original.AddonsMeta...)
		plan.rounded = original.RoundedAmount
		plan.closesDoc = true
		plan.reverseSpec = &commissiondomain.ReversalSpec{FullCredit: true}

	case domain.CreditPartial:
		plan.total = money.RoundTo2(base.Sub(req.RemainingAmount))
		if !plan.total.IsPositive() {
			return plan, domain.ErrInvalidCreditRequest
		}
		if plan.total.GreaterThan(base) {
			return plan, domain.ErrCreditExceedsBase
		}
		plan.content = domain.ContentLines{{
			Type:        "partial_credit",
			Description: "credited against replacement invoice",
			Amount:      plan.total,
		}}
		plan.movedFees = true
		plan.closesDoc = true

	case domain.CreditProrated:
		totalDays := original.TotalDays()
		if totalDays == 0 || req.CreditableDays > totalDays {
			return plan, domain.ErrInvalidCreditRequest
		}
		sum := decimal.Zero
		for _, line := range original.InvoiceContent {
			amount := money.Prorate(line.Amount, totalDays, req.CreditableDays)
			if amount.IsZero() {
				continue
			}
			plan.content = append(plan.content, domain.ContentLine{
				Type:        line.Type,
				Description: line.Description,
				Amount:      amount,
			})
			sum = sum.Add(amount)
		}
		for _, addon := range original.AddonsMeta {
			if !addon.Recurring {
				continue
			}
			amount := money.Prorate(addon.Amount, totalDays, req.CreditableDays)
			if amount.IsZero() {
				continue
			}
			plan.addons = append(plan.addons, domain.AddonLine{
				AddonID:     addon.AddonID,
				Description: addon.Description,
				Amount:      amount,
				Recurring:   true,
			})
			sum = sum.Add(amount)
		}
		plan.total = money.RoundTo2(sum)
		if !plan.total.IsPositive() {
			return plan, domain.ErrInvalidCreditRequest
		}
		if plan.total.GreaterThan(base) {
			return plan, domain.ErrCreditExceedsBase
		}
		plan.closesDoc = plan.total.Equal(base)
		plan.reverseSpec = &commissiondomain.ReversalSpec{
			InvoiceTotalDays: totalDays,
			CreditableDays:   req.CreditableDays,
		}
	}
	return plan, nil
}

func (s *Service) createCreditNote(ctx context.Context, tx *gorm.DB, original *domain.Invoice, plan creditPlan) (*domain.Invoice, error) {
	serial, err := s.counterSvc.IncrementTx(ctx, tx, fmt.Sprintf("invoice-%s", original.PartnerID))
	if err != nil {
		return nil, err
	}

	noteType := domain.TypeCreditNote
	if original.InvoiceType.IsLandlord() {
		noteType = domain.TypeLandlordCreditNote
	}
	now := s.clock.Now()

	// credit documents carry negative totals and lines
	content := make(domain.ContentLines, 0, len(plan.content))
	for _, line := range plan.content {
		line.Amount = money.RoundTo2(line.Amount.Neg())
		content = append(content, line)
	}
	fees := make(domain.FeeLines, 0, len(plan.fees))
	for _, fee := range plan.fees {
		fee.Amount = money.RoundTo2(fee.Amount.Neg())
		fees = append(fees, fee)
	}
	addons := make(domain.AddonLines, 0, len(plan.addons))
	for _, addon := range plan.addons {
		addon.Amount = money.RoundTo2(addon.Amount.Neg())
		addons = append(addons, addon)
	}

	note := &domain.Invoice{
		ID:           s.genID.Generate(),
		PartnerID:    original.PartnerID,
		SerialID:     serial,
		InvoiceType:  noteType,
		Status:       domain.StatusCreated,
		InvoiceID:    original.ID,
		ContractID:   original.ContractID,
		PropertyID:   original.PropertyID,
		TenantID:     original.TenantID,
		AccountID:    original.AccountID,
		PayoutID:     original.PayoutID,
		InvoiceTotal: money.RoundTo2(plan.total.Neg()),
		RoundedAmount: money.RoundTo2(plan.rounded.Neg()),
		InvoiceContent: content,
		FeesMeta:       fees,
		AddonsMeta:     addons,
		InvoiceMonth:   original.InvoiceMonth,
		PeriodStart:    original.PeriodStart,
		PeriodEnd:      original.PeriodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.invoiceRepo.WithTrx(tx).Create(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// createReplacement issues the invoice carrying the remainder of a partial
// credit. Unmoved fees travel with it and are tagged moved on the
// original so they can never be credited twice.
func (s *Service) createReplacement(ctx context.Context, tx *gorm.DB, original *domain.Invoice, remaining decimal.Decimal, plan creditPlan) (*domain.Invoice, error) {
	serial, err := s.counterSvc.IncrementTx(ctx, tx, fmt.Sprintf("invoice-%s", original.PartnerID))
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var fees domain.FeeLines
	feeSum := decimal.Zero
	if plan.movedFees {
		for _, fee := range original.FeesMeta {
			if fee.Moved {
				continue
			}
			feeSum = feeSum.Add(fee.Amount)
			fees = append(fees, domain.FeeLine{Type: fee.Type, Amount: fee.Amount})
		}
	}
	contentAmount := money.RoundTo2(remaining.Sub(feeSum))
	if contentAmount.IsNegative() {
		// fees exceed the remainder; keep them on the original instead
		fees = nil
		contentAmount = money.RoundTo2(remaining)
	}

	replacement := &domain.Invoice{
		ID:          s.genID.Generate(),
		PartnerID:   original.PartnerID,
		SerialID:    serial,
		InvoiceType: original.InvoiceType,
		Status:      domain.StatusNew,
		ContractID:  original.ContractID,
		PropertyID:  original.PropertyID,
		TenantID:    original.TenantID,
		AccountID:   original.AccountID,
		InvoiceTotal: money.RoundTo2(remaining),
		InvoiceContent: domain.ContentLines{{
			Type:        "rent",
			Description: "remaining balance",
			Amount:      contentAmount,
		}},
		FeesMeta:         fees,
		PayoutableAmount: replacementPayoutable(original, remaining),
		DueDate:          original.DueDate,
		InvoiceMonth:     original.InvoiceMonth,
		PeriodStart:      original.PeriodStart,
		PeriodEnd:        original.PeriodEnd,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.invoiceRepo.WithTrx(tx).Create(ctx, replacement); err != nil {
		return nil, err
	}
	return replacement, nil
}

func replacementPayoutable(original *domain.Invoice, remaining decimal.Decimal) decimal.Decimal {
	if !original.PayoutableAmount.IsPositive() {
		return decimal.Zero
	}
	if remaining.LessThan(original.PayoutableAmount) {
		return money.RoundTo2(remaining)
	}
	return original.PayoutableAmount
}

func (s *Service) reverseCommissions(ctx context.Context, tx *gorm.DB, original, creditNote *domain.Invoice, plan creditPlan) ([]commissiondomain.Commission, error) {
	if plan.reverseSpec == nil {
		return nil, nil
	}
	originals, err := s.commissionSvc.ForInvoice(ctx, tx, original.ID)
	if err != nil {
		return nil, err
	}
	if len(originals) == 0 {
		return nil, nil
	}
	return s.commissionSvc.CreateReversals(ctx, tx, original.PartnerID, creditNote.ID, originals, *plan.reverseSpec)
}

// updateCreditedOriginal applies the credited totals and flags, then moves
// the status through the state machine so paid-info reversal and the other
// transition hooks run.
func (s *Service) updateCreditedOriginal(ctx context.Context, tx *gorm.DB, original, creditNote *domain.Invoice, plan creditPlan) error {
	original.CreditedAmount = money.RoundTo2(original.CreditedAmount.Sub(plan.total))
	original.CreditNoteIDs = append(original.CreditNoteIDs, creditNote.ID.String())
	original.IsPartiallyCredited = true

	extra := map[string]any{
		"credited_amount":       original.CreditedAmount,
		"credit_note_ids":       original.CreditNoteIDs,
		"is_partially_credited": true,
	}
	if !original.CreditableBase().IsPositive() {
		original.IsFullyCredited = true
		extra["is_fully_credited"] = true
	}
	if plan.movedFees {
		moved := make(domain.FeeLines, 0, len(original.FeesMeta))
		for _, fee := range original.FeesMeta {
			fee.Moved = true
			moved = append(moved, fee)
		}
		original.FeesMeta = moved
		extra["fees_meta"] = moved
	}

	next := original.Status
	if plan.closesDoc {
		next = domain.StatusCredited
	} else {
		next = domain.DeriveStatus(original.Facts(s.clock.Now()))
	}
	_, err := s.applyTransition(ctx, tx, original, next, extra)
	return err
}

// adjustPayoutForCredit pulls the credited payoutable amount back out of
// the landlord's payout. Commission reversals give money back to the
// partner, so they reduce what the credit takes away. When the credit just
// moved the original out of paid, the paid-info reversal already pulled the
// claim back; appending a credit contribution on top would unwind it twice.
func (s *Service) adjustPayoutForCredit(ctx context.Context, tx *gorm.DB, original, creditNote *domain.Invoice, plan creditPlan, reversals []commissiondomain.Commission, paidReversed bool) error {
	if original.InvoiceType.IsLandlord() || !original.PayoutableAmount.IsPositive() {
		return nil
	}
	reversed := decimal.Zero
	for _, reversal := range reversals {
		reversed = reversed.Add(reversal.Amount.Abs())
	}
	payoutable := money.RoundTo2(plan.total.Sub(reversed))
	if payoutable.GreaterThan(original.PayoutableAmount) {
		payoutable = original.PayoutableAmount
	}
	if payoutable.IsZero() {
		return nil
	}

	creditNote.PayoutableAmount = payoutable.Neg()
	err := tx.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id = ?", creditNote.ID).
		Update("payoutable_amount", creditNote.PayoutableAmount).Error
	if err != nil {
		return err
	}
	if paidReversed {
		return nil
	}

	_, err = s.payoutSvc.AdjustEstimated(ctx, tx, original.PartnerID, original.ContractID, payoutdomain.Contribution{
		Type:      payoutdomain.MetaTypeCreditNote,
		Amount:    creditNote.PayoutableAmount,
		InvoiceID: creditNote.ID,
	})
	return err
}

// recordCreditLedger appends one ledger row per credited component. The
// fingerprint index makes re-runs no-ops.
func (s *Service) recordCreditLedger(ctx context.Context, tx *gorm.DB, original, creditNote *domain.Invoice, plan creditPlan, reversals []commissiondomain.Commission) error {
	if s.transactionSvc == nil {
		return nil
	}
	period := original.InvoiceMonth
	if period == "" && original.PeriodStart != nil {
		period = original.PeriodStart.Format("2006-01")
	}
	if period == "" {
		return domain.ErrPeriodRequired
	}

	write := func(subType transactiondomain.SubType, amount decimal.Decimal, commissionID snowflake.ID) error {
		if amount.IsZero() {
			return nil
		}
		_, err := s.transactionSvc.Create(ctx, tx, transactiondomain.Candidate{
			PartnerID:    original.PartnerID,
			InvoiceID:    creditNote.ID,
			ContractID:   original.ContractID,
			CommissionID: commissionID,
			Type:         transactiondomain.TypeCreditNote,
			SubType:      subType,
			Amount:       amount.Neg(),
			Period:       period,
		})
		return err
	}

	for _, line := range plan.content {
		if err := write(transactiondomain.SubTypeRent, line.Amount, 0); err != nil {
			return err
		}
	}
	for _, fee := range plan.fees {
		if err := write(transactiondomain.SubTypeFee, fee.Amount, 0); err != nil {
			return err
		}
	}
	for _, addon := range plan.addons {
		if err := write(transactiondomain.SubTypeAddon, addon.Amount, 0); err != nil {
			return err
		}
	}
	if err := write(transactiondomain.SubTypeRoundedAmount, plan.rounded, 0); err != nil {
		return err
	}
	for _, reversal := range reversals {
		if err := write(transactiondomain.SubTypeCommission, reversal.Amount.Abs(), reversal.ID); err != nil {
			return err
		}
	}
	return nil
}
