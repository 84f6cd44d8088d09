package migration

import (
	commissiondomain "github.com/rentfolio/billing/internal/commission/domain"
	contractdomain "github.com/rentfolio/billing/internal/contract/domain"
	counterdomain "github.com/rentfolio/billing/internal/counter/domain"
	"github.com/rentfolio/billing/internal/events"
	invoicedomain "github.com/rentfolio/billing/internal/invoice/domain"
	partnerdomain "github.com/rentfolio/billing/internal/partner/domain"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		if conn.Dialector.Name() == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		return conn.AutoMigrate(
			&partnerdomain.Settings{},
			&contractdomain.Contract{},
			&invoicedomain.Invoice{},
			&commissiondomain.Commission{},
			&payoutdomain.Payout{},
			&payoutdomain.Correction{},
			&transactiondomain.Transaction{},
			&counterdomain.Counter{},
			&events.OutboxJob{},
		)
	}),
)
