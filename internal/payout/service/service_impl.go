package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/internal/clock"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"github.com/rentfolio/billing/internal/events"
	"github.com/rentfolio/billing/internal/money"
	partnerdomain "github.com/rentfolio/billing/internal/partner/domain"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	pkgdb "github.com/rentfolio/billing/pkg/db"
	"github.com/rentfolio/billing/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	CounterSvc     counterdomain.Service
	Outbox         *events.Outbox
	TransactionSvc transactiondomain.Service `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	counterSvc     counterdomain.Service
	outbox         *events.Outbox
	transactionSvc transactiondomain.Service

	payoutRepo   repository.Repository[payoutdomain.Payout]
	settingsRepo repository.Repository[partnerdomain.Settings]
}

func NewService(p Params) payoutdomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("payout.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		counterSvc:     p.CounterSvc,
		outbox:         p.Outbox,
		transactionSvc: p.TransactionSvc,

		payoutRepo:   repository.ProvideStore[payoutdomain.Payout](p.DB),
		settingsRepo: repository.ProvideStore[partnerdomain.Settings](p.DB),
	}
}

func (s *Service) GetByContract(ctx context.Context, contractID snowflake.ID) (*payoutdomain.Payout, error) {
	if contractID == 0 {
		return nil, payoutdomain.ErrInvalidContract
	}
	return s.payoutRepo.FindOne(ctx, &payoutdomain.Payout{ContractID: contractID})
}

func (s *Service) AdjustEstimated(
	ctx context.Context,
	tx *gorm.DB,
	partnerID, contractID snowflake.ID,
	contribution payoutdomain.Contribution,
) (*payoutdomain.Payout, error) {
	if contractID == 0 {
		return nil, payoutdomain.ErrInvalidContract
	}
	amount := money.RoundTo2(contribution.Amount)
	if amount.IsZero() {
		return nil, payoutdomain.ErrInvalidAmount
	}

	payout, err := s.loadByContract(ctx, tx, contractID)
	if err != nil {
		return nil, err
	}
	if payout == nil {
		// Payout creation is decoupled from the triggering document's
		// transaction to bound the unit of work; the queued job recreates
		// the adjustment path once the payout exists.
		if err := s.outbox.PublishTx(ctx, tx, events.Job{
			PartnerID: partnerID,
			Action:    events.ActionCreateEstimatedPayout,
			Params: map[string]any{
				"contractId": contractID.String(),
				"partnerId":  partnerID.String(),
			},
			DedupeKey: fmt.Sprintf("payout:create:%s", contractID),
		}); err != nil {
			return nil, err
		}
		s.log.Info("estimated payout missing, creation enqueued",
			zap.String("contract_id", contractID.String()),
		)
		return nil, nil
	}
	if payout.Status.Terminal() {
		return nil, payoutdomain.ErrPayoutTerminal
	}
	if !payout.Amount.Equal(payout.Meta.Sum()) {
		return nil, payoutdomain.ErrMetaSumMismatch
	}

	entry := payoutdomain.MetaEntry{
		Type:   contribution.Type,
		Amount: amount,
	}
	if contribution.InvoiceID != 0 {
		entry.InvoiceID = contribution.InvoiceID.String()
	}
	if contribution.CommissionID != 0 {
		entry.CommissionID = contribution.CommissionID.String()
	}
	if contribution.CorrectionID != 0 {
		entry.CorrectionID = contribution.CorrectionID.String()
	}
	payout.Meta = append(payout.Meta, entry)

	return s.persist(ctx, tx, payout)
}

func (s *Service) AttachPaidInfo(ctx context.Context, tx *gorm.DB, contractID, invoiceID snowflake.ID, amount decimal.Decimal) error {
	payout, err := s.loadByContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if payout == nil || payout.Status.Terminal() {
		return nil
	}
	if payout.Meta.HasInvoiceEntry(payoutdomain.MetaTypeInvoicePaid, invoiceID) {
		return nil
	}

	payout.Meta = append(payout.Meta, payoutdomain.MetaEntry{
		Type:      payoutdomain.MetaTypeInvoicePaid,
		Amount:    money.RoundTo2(amount),
		InvoiceID: invoiceID.String(),
	})
	_, err = s.persist(ctx, tx, payout)
	return err
}

func (s *Service) ReversePaidInfo(ctx context.Context, tx *gorm.DB, contractID, invoiceID snowflake.ID) error {
	payout, err := s.loadByContract(ctx, tx, contractID)
	if err != nil {
		return err
	}
	if payout == nil || payout.Status.Terminal() {
		return nil
	}

	id := invoiceID.String()
	kept := make(payoutdomain.MetaList, 0, len(payout.Meta))
	removed := false
	for _, entry := range payout.Meta {
		if entry.Type == payoutdomain.MetaTypeInvoicePaid && entry.InvoiceID == id {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		return nil
	}

	payout.Meta = kept
	_, err = s.persist(ctx, tx, payout)
	return err
}

func (s *Service) CreateEstimated(
	ctx context.Context,
	partnerID, contractID, landlordID, propertyID snowflake.ID,
	finalSettlement bool,
) (*payoutdomain.Payout, error) {
	if contractID == 0 {
		return nil, payoutdomain.ErrInvalidContract
	}

	existing, err := s.payoutRepo.FindOne(ctx, &payoutdomain.Payout{ContractID: contractID})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	var created *payoutdomain.Payout
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		serial, err := s.counterSvc.IncrementTx(ctx, tx, fmt.Sprintf("payout-%s", partnerID))
		if err != nil {
			return err
		}

		now := s.clock.Now()
		payout := payoutdomain.Payout{
			ID:                s.genID.Generate(),
			PartnerID:         partnerID,
			SerialID:          serial,
			ContractID:        contractID,
			PropertyID:        propertyID,
			LandlordID:        landlordID,
			Status:            payoutdomain.StatusEstimated,
			Amount:            decimal.Zero,
			EstimatedAmount:   decimal.Zero,
			IsFinalSettlement: finalSettlement,
			Meta:              payoutdomain.MetaList{},
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.WithContext(ctx).Create(&payout).Error; err != nil {
			return err
		}
		created = &payout
		return nil
	})
	if err != nil {
		// lost the race: another request created the contract's payout
		if pkgdb.IsDuplicateKeyErr(err) {
			return s.payoutRepo.FindOne(ctx, &payoutdomain.Payout{ContractID: contractID})
		}
		return nil, err
	}

	s.log.Info("estimated payout created",
		zap.String("contract_id", contractID.String()),
		zap.Int64("serial_id", created.SerialID),
	)
	return created, nil
}

func (s *Service) loadByContract(ctx context.Context, tx *gorm.DB, contractID snowflake.ID) (*payoutdomain.Payout, error) {
	return s.payoutRepo.WithTrx(tx).FindOne(ctx, &payoutdomain.Payout{ContractID: contractID})
}

// persist recomputes the running sums from the meta ledger, runs completion
// detection and writes the payout behind an optimistic guard on updated_at.
func (s *Service) persist(ctx context.Context, tx *gorm.DB, payout *payoutdomain.Payout) (*payoutdomain.Payout, error) {
	sum := payout.Meta.Sum()
	payout.Amount = sum
	payout.EstimatedAmount = sum

	completed := false
	if len(payout.Meta) > 0 && sum.IsZero() {
		if payout.IsFinalSettlement {
			completed = payout.Meta.FinalSettlementComplete()
		} else {
			completed = true
		}
	}

	now := s.clock.Now()
	updates := map[string]any{
		"amount":           payout.Amount,
		"estimated_amount": payout.EstimatedAmount,
		"meta":             payout.Meta,
		"updated_at":       now,
	}
	if completed && payout.Status != payoutdomain.StatusCompleted {
		updates["status"] = string(payoutdomain.StatusCompleted)
		updates["paid_at"] = now
	}

	result := tx.WithContext(ctx).Model(&payoutdomain.Payout{}).
		Where("id = ? AND contract_id = ? AND updated_at = ?", payout.ID, payout.ContractID, payout.UpdatedAt).
		Updates(updates)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, gorm.ErrInvalidTransaction
	}
	payout.UpdatedAt = now

	if completed && payout.Status != payoutdomain.StatusCompleted {
		payout.Status = payoutdomain.StatusCompleted
		payout.PaidAt = &now
		if err := s.onCompleted(ctx, tx, payout); err != nil {
			return nil, err
		}
	}
	return payout, nil
}

func (s *Service) onCompleted(ctx context.Context, tx *gorm.DB, payout *payoutdomain.Payout) error {
	// settle any corrections that were waiting on this payout
	if err := tx.WithContext(ctx).Exec(
		`UPDATE corrections SET status = ?, updated_at = ? WHERE payout_id = ? AND status = ?`,
		string(payoutdomain.CorrectionStatusPaid),
		s.clock.Now(),
		payout.ID,
		string(payoutdomain.CorrectionStatusUnpaid),
	).Error; err != nil {
		return err
	}

	// flag invoice summaries keyed by this payout as settled
	if err := tx.WithContext(ctx).Exec(
		`UPDATE invoices SET payout_paid = ?, updated_at = ? WHERE payout_id = ?`,
		true,
		s.clock.Now(),
		payout.ID,
	).Error; err != nil {
		return err
	}

	// the settled sum is zero; the ledger row records the gross amount
	// that moved to the landlord
	gross := decimal.Zero
	for _, entry := range payout.Meta {
		if entry.Amount.IsPositive() {
			gross = gross.Add(entry.Amount)
		}
	}
	if s.transactionSvc != nil && !gross.IsZero() {
		period, err := s.settlementPeriod(ctx, tx, payout.PartnerID)
		if err != nil {
			return err
		}
		if _, err := s.transactionSvc.Create(ctx, tx, transactiondomain.Candidate{
			PartnerID:  payout.PartnerID,
			PayoutID:   payout.ID,
			ContractID: payout.ContractID,
			Type:       transactiondomain.TypePayout,
			SubType:    transactiondomain.SubTypePayout,
			Amount:     money.RoundTo2(gross),
			Period:     period,
		}); err != nil {
			return err
		}
	}

	s.log.Info("payout completed",
		zap.String("payout_id", payout.ID.String()),
		zap.String("contract_id", payout.ContractID.String()),
		zap.Int("meta_entries", len(payout.Meta)),
	)
	return nil
}

// settlementPeriod resolves the accounting period of a settlement in the
// partner's timezone; near month boundaries server time lands the row in
// the wrong month.
func (s *Service) settlementPeriod(ctx context.Context, tx *gorm.DB, partnerID snowflake.ID) (string, error) {
	settings, err := s.settingsRepo.WithTrx(tx).FindOne(ctx, &partnerdomain.Settings{PartnerID: partnerID})
	if err != nil {
		return "", err
	}
	timezone := ""
	if settings != nil {
		timezone = settings.Timezone
	}
	return money.Period(timezone, s.clock.Now()), nil
}
