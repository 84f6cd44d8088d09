package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/rentfolio/billing/internal/clock"
	"github.com/rentfolio/billing/internal/commission"
	"github.com/rentfolio/billing/internal/config"
	"github.com/rentfolio/billing/internal/counter"
	"github.com/rentfolio/billing/internal/events"
	"github.com/rentfolio/billing/internal/invoice"
	"github.com/rentfolio/billing/internal/logger"
	"github.com/rentfolio/billing/internal/migration"
	"github.com/rentfolio/billing/internal/payout"
	"github.com/rentfolio/billing/internal/server"
	"github.com/rentfolio/billing/internal/transaction"
	"github.com/rentfolio/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// billing domains
		counter.Module,
		events.Module,
		transaction.Module,
		commission.Module,
		payout.Module,
		invoice.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
