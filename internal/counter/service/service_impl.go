package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewService(p Params) counterdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("counter.service"),
		genID: p.GenID,
	}
}

func (s *Service) Increment(ctx context.Context, namespace string) (int64, error) {
	return s.IncrementTx(ctx, s.db, namespace)
}

// IncrementTx is a single atomic statement. Concurrent callers for the same
// namespace serialize on the row and observe distinct consecutive values;
// there is no read-compute-write window to lose an update in.
func (s *Service) IncrementTx(ctx context.Context, tx *gorm.DB, namespace string) (int64, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return 0, counterdomain.ErrInvalidNamespace
	}

	var next int64
	err := tx.WithContext(ctx).Raw(
		`INSERT INTO counters (id, namespace, next_val)
		 VALUES (?, ?, 1)
		 ON CONFLICT (namespace) DO UPDATE SET next_val = counters.next_val + 1
		 RETURNING next_val`,
		s.genID.Generate(),
		namespace,
	).Scan(&next).Error
	if err != nil {
		return 0, err
	}
	return next, nil
}
