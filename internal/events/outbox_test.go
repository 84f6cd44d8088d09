package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/rentfolio/billing/internal/clock"
	"github.com/rentfolio/billing/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type captureSink struct {
	delivered []OutboxJob
	fail      bool
}

func (s *captureSink) Deliver(_ context.Context, job OutboxJob) error {
	if s.fail {
		return errors.New("queue unavailable")
	}
	s.delivered = append(s.delivered, job)
	return nil
}

func newOutboxDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&OutboxJob{}))
	return db
}

func TestPublishTx_DedupesOnKey(t *testing.T) {
	db := newOutboxDB(t)
	node, _ := snowflake.NewNode(1)
	outbox := NewOutbox(node)

	job := Job{
		PartnerID: node.Generate(),
		Action:    ActionAddNewTransaction,
		Params:    map[string]any{"invoiceId": "42"},
		DedupeKey: "transaction:42",
	}

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, job)
	}))
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, job)
	}))

	var count int64
	db.Model(&OutboxJob{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestPublishTx_RejectsEmptyAction(t *testing.T) {
	db := newOutboxDB(t)
	node, _ := snowflake.NewNode(1)
	outbox := NewOutbox(node)

	err := db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, Job{Action: "  "})
	})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestDispatchOnce_MarksSent(t *testing.T) {
	db := newOutboxDB(t)
	node, _ := snowflake.NewNode(1)
	outbox := NewOutbox(node)
	sink := &captureSink{}

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, Job{
			Action:    ActionProcessEvictionCase,
			Params:    map[string]any{"contractId": "7"},
			DedupeKey: "eviction:7",
		})
	}))

	d := NewDispatcher(DispatcherParams{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		Sink:  sink,
		Cfg:   config.Config{OutboxDispatchBatch: 10},
	})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, sink.delivered, 1)

	var job OutboxJob
	db.First(&job, "dedupe_key = ?", "eviction:7")
	assert.Equal(t, JobStatusSent, job.Status)
	assert.NotNil(t, job.SentAt)

	// nothing left to deliver
	sent, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
}

func TestDispatchOnce_FailedDeliveryStaysPending(t *testing.T) {
	db := newOutboxDB(t)
	node, _ := snowflake.NewNode(1)
	outbox := NewOutbox(node)
	sink := &captureSink{fail: true}

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, Job{
			Action:    ActionSendNotification,
			DedupeKey: "notify:1",
		})
	}))

	d := NewDispatcher(DispatcherParams{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Now()),
		Sink:  sink,
		Cfg:   config.Config{},
	})

	sent, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	var job OutboxJob
	db.First(&job, "dedupe_key = ?", "notify:1")
	assert.Equal(t, JobStatusPending, job.Status)
}

func TestHasPending(t *testing.T) {
	db := newOutboxDB(t)
	node, _ := snowflake.NewNode(1)
	outbox := NewOutbox(node)

	invoiceID := node.Generate()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return outbox.PublishTx(context.Background(), tx, Job{
			Action:    ActionAddNewTransaction,
			Params:    map[string]any{"invoiceId": invoiceID.String()},
			DedupeKey: "transaction:" + invoiceID.String(),
		})
	}))

	pending, err := outbox.HasPending(context.Background(), db, ActionAddNewTransaction, invoiceID)
	require.NoError(t, err)
	assert.True(t, pending)

	other := node.Generate()
	pending, err = outbox.HasPending(context.Background(), db, ActionAddNewTransaction, other)
	require.NoError(t, err)
	assert.False(t, pending)
}
