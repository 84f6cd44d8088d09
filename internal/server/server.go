// Package server exposes the billing engine over HTTP. Handlers stay
// thin: parse, call the domain service, map errors through the shared
// middleware.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rentfolio/billing/internal/config"
	invoicedomain "github.com/rentfolio/billing/internal/invoice/domain"
	payoutdomain "github.com/rentfolio/billing/internal/payout/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func NewEngine(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

func registerGin(log *zap.Logger) *gin.Engine {
	return NewEngine(log)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config

	invoiceSvc     invoicedomain.Service
	payoutSvc      payoutdomain.Service
	transactionSvc transactiondomain.Service
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	InvoiceSvc     invoicedomain.Service
	PayoutSvc      payoutdomain.Service
	TransactionSvc transactiondomain.Service
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		invoiceSvc:     p.InvoiceSvc,
		payoutSvc:      p.PayoutSvc,
		transactionSvc: p.TransactionSvc,
	}
}

func (s *Server) RegisterRoutes() {
	api := s.engine.Group("/api")

	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoiceByID)
	api.POST("/invoices/:id/send", s.SendInvoice)
	api.POST("/invoices/:id/payments", s.RegisterInvoicePayment)
	api.POST("/invoices/:id/balance", s.RegisterInvoiceBalance)
	api.POST("/invoices/:id/lost", s.MarkInvoiceLost)
	api.POST("/invoices/:id/credit", s.CreditInvoice)
	api.POST("/invoices/:id/refresh-status", s.RefreshInvoiceStatus)
	api.POST("/invoices/backfill-serials", s.BackfillInvoiceSerials)

	api.GET("/contracts/:id/payout", s.GetPayoutByContract)
	api.POST("/payouts/estimated", s.CreateEstimatedPayout)

	api.GET("/transactions/summary", s.SummarizeTransactions)
}

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) { s.RegisterRoutes() }),
	fx.Invoke(run),
)
