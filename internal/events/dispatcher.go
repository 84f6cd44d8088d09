package events

import (
	"context"
	"time"

	"github.com/rentfolio/billing/internal/clock"
	"github.com/rentfolio/billing/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sink receives committed jobs. Implementations hand them to the external
// work queue and must tolerate redelivery.
type Sink interface {
	Deliver(ctx context.Context, job OutboxJob) error
}

// LogSink is the default sink wired in development: it only records the job.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) Sink {
	return &LogSink{log: log.Named("events.sink")}
}

func (s *LogSink) Deliver(_ context.Context, job OutboxJob) error {
	s.log.Info("job delivered",
		zap.String("action", job.Action),
		zap.String("dedupe_key", job.DedupeKey),
		zap.String("partner_id", job.PartnerID.String()),
	)
	return nil
}

type DispatcherParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Sink  Sink
	Cfg   config.Config
}

// Dispatcher polls pending outbox rows and hands them to the sink. Jobs are
// marked sent only after successful delivery, so a crash mid-batch leaves
// them pending for the next pass.
type Dispatcher struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	sink     Sink
	interval time.Duration
	batch    int
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	interval := p.Cfg.OutboxDispatchInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	batch := p.Cfg.OutboxDispatchBatch
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		db:       p.DB,
		log:      p.Log.Named("events.dispatcher"),
		clock:    p.Clock,
		sink:     p.Sink,
		interval: interval,
		batch:    batch,
	}
}

func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.log.Warn("outbox dispatch failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce delivers at most one batch and returns how many jobs were sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	var jobs []OutboxJob
	err := d.db.WithContext(ctx).
		Where("status = ?", JobStatusPending).
		Order("priority DESC, created_at ASC").
		Limit(d.batch).
		Find(&jobs).Error
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		if err := d.sink.Deliver(ctx, job); err != nil {
			d.log.Warn("job delivery failed",
				zap.String("action", job.Action),
				zap.String("dedupe_key", job.DedupeKey),
				zap.Error(err),
			)
			continue
		}

		now := d.clock.Now()
		if err := d.db.WithContext(ctx).Model(&OutboxJob{}).
			Where("id = ? AND status = ?", job.ID, JobStatusPending).
			Updates(map[string]any{"status": JobStatusSent, "sent_at": now}).Error; err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func registerDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go d.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}

// Module wires the outbox and its dispatcher.
var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Provide(NewLogSink),
	fx.Provide(NewDispatcher),
	fx.Invoke(registerDispatcher),
)
