package counter

import (
	"github.com/rentfolio/billing/internal/counter/service"
	"go.uber.org/fx"
)

var Module = fx.Module("counter.service",
	fx.Provide(service.NewService),
)
