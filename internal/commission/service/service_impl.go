package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	commissiondomain "github.com/rentfolio/billing/internal/commission/domain"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	GenID      *snowflake.Node
	CounterSvc counterdomain.Service
}

type Service struct {
	log        *zap.Logger
	genID      *snowflake.Node
	counterSvc counterdomain.Service
}

func NewService(p Params) commissiondomain.Service {
	return &Service{
		log:        p.Log.Named("commission.service"),
		genID:      p.GenID,
		counterSvc: p.CounterSvc,
	}
}

func (s *Service) ForInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]commissiondomain.Commission, error) {
	var commissions []commissiondomain.Commission
	err := tx.WithContext(ctx).
		Where("invoice_id = ? AND commission_id = 0", invoiceID).
		Order("created_at ASC").
		Find(&commissions).Error
	return commissions, err
}

func (s *Service) CreateReversals(
	ctx context.Context,
	tx *gorm.DB,
	partnerID, creditNoteID snowflake.ID,
	originals []commissiondomain.Commission,
	spec commissiondomain.ReversalSpec,
) ([]commissiondomain.Commission, error) {
	if creditNoteID == 0 || partnerID == 0 {
		return nil, commissiondomain.ErrInvalidCreditNote
	}
	if !spec.FullCredit && (spec.InvoiceTotalDays <= 0 || spec.CreditableDays <= 0 || spec.CreditableDays > spec.InvoiceTotalDays) {
		return nil, commissiondomain.ErrInvalidSpec
	}

	reversals := make([]commissiondomain.Commission, 0, len(originals))
	for _, original := range originals {
		if !spec.FullCredit && !original.Type.ProratesOnPartialCredit() {
			continue
		}

		amount := commissiondomain.ReversalAmount(original.Amount, spec)
		if amount.IsZero() {
			continue
		}

		serial, err := s.counterSvc.IncrementTx(ctx, tx, fmt.Sprintf("commission-%s", partnerID))
		if err != nil {
			return nil, err
		}

		reversal := commissiondomain.Commission{
			ID:           s.genID.Generate(),
			PartnerID:    partnerID,
			SerialID:     serial,
			Type:         original.Type,
			Amount:       amount,
			InvoiceID:    creditNoteID,
			CommissionID: original.ID,
			ContractID:   original.ContractID,
			PropertyID:   original.PropertyID,
			AgentID:      original.AgentID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := tx.WithContext(ctx).Create(&reversal).Error; err != nil {
			return nil, err
		}
		reversals = append(reversals, reversal)
	}

	if len(reversals) > 0 {
		s.log.Info("credit reversal commissions created",
			zap.String("credit_note_id", creditNoteID.String()),
			zap.Int("count", len(reversals)),
		)
	}
	return reversals, nil
}
