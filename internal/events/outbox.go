package events

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidAction = errors.New("invalid_job_action")
)

type Outbox struct {
	genID *snowflake.Node
}

func NewOutbox(genID *snowflake.Node) *Outbox {
	return &Outbox{genID: genID}
}

// PublishTx inserts the job inside the caller's transaction. A job with an
// already-seen dedupe key is silently dropped, which makes re-running a
// credit or status update against consistent state a no-op.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, job Job) error {
	action := strings.TrimSpace(job.Action)
	if action == "" {
		return ErrInvalidAction
	}

	dedupeKey := strings.TrimSpace(job.DedupeKey)
	if dedupeKey == "" {
		dedupeKey = uuid.NewString()
	}

	params := datatypes.JSONMap{}
	for key, value := range job.Params {
		params[key] = value
	}

	return tx.WithContext(ctx).Exec(
		`INSERT INTO outbox_jobs (
			id, partner_id, action, event, destination, priority,
			params, dedupe_key, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		job.PartnerID,
		action,
		job.Event,
		job.Destination,
		job.Priority,
		params,
		dedupeKey,
		JobStatusPending,
		time.Now().UTC(),
	).Error
}

// HasPending reports whether an undelivered job with the given action
// references the document. Used to reject conflicting mutations while
// asynchronous work for the same document is still in flight.
func (o *Outbox) HasPending(ctx context.Context, db *gorm.DB, action string, documentID snowflake.ID) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&OutboxJob{}).
		Where("action = ? AND status = ?", action, JobStatusPending).
		Where(pendingParamsMatch(db), documentID.String()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func pendingParamsMatch(db *gorm.DB) string {
	// jsonb containment on postgres, plain LIKE elsewhere; both only need
	// to find the document id inside the params payload.
	if db.Dialector.Name() == "postgres" {
		return "params::text LIKE '%' || ? || '%'"
	}
	return "params LIKE '%' || ? || '%'"
}
