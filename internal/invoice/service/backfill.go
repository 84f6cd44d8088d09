package service

import (
	"context"
	"fmt"

	"github.com/rentfolio/billing/internal/events"
	domain "github.com/rentfolio/billing/internal/invoice/domain"
	"github.com/rentfolio/billing/pkg/db/option"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBackfillBatch = 100

// BackfillSerials stamps serial numbers onto invoices that were created
// without one. Each run handles a bounded batch and re-enqueues itself
// while a backlog remains, so every unit of work stays small and
// retryable.
func (s *Service) BackfillSerials(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = defaultBackfillBatch
	}

	stamped := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.invoiceRepo.WithTrx(tx).Find(ctx, &domain.Invoice{},
			option.ApplyOperator(option.Condition{Field: "serial_id", Operator: option.EQ, Value: 0}),
			option.WithSortBy(option.QuerySortBy{Default: "created_at"}),
			option.WithLimit(batchSize),
		)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		for _, invoice := range rows {
			serial, err := s.counterSvc.IncrementTx(ctx, tx, fmt.Sprintf("invoice-%s", invoice.PartnerID))
			if err != nil {
				return err
			}
			err = tx.WithContext(ctx).Model(&domain.Invoice{}).
				Where("id = ? AND serial_id = 0", invoice.ID).
				Update("serial_id", serial).Error
			if err != nil {
				return err
			}
			stamped++
		}

		if len(rows) == batchSize {
			last := rows[len(rows)-1]
			return s.outbox.PublishTx(ctx, tx, events.Job{
				Action:    events.ActionBackfillSerialIDs,
				Params:    map[string]any{"batchSize": batchSize},
				DedupeKey: fmt.Sprintf("serial-backfill:%s", last.ID),
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if stamped > 0 {
		s.log.Info("serial backfill batch done", zap.Int("stamped", stamped))
	}
	return stamped, nil
}
