// Package events implements the transactional outbox feeding the external
// work queue. Units of work publish jobs inside their own database
// transaction; a dispatcher delivers committed jobs afterwards, so a crash
// between commit and delivery loses nothing and duplicates nothing.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Job actions understood by the downstream queue consumers.
const (
	ActionAddNewTransaction        = "add_new_transaction"
	ActionCreateEstimatedPayout    = "create_estimated_payout"
	ActionCreateLandlordCreditNote = "create_landlord_credit_note"
	ActionProcessEvictionCase      = "process_eviction_case"
	ActionBackfillSerialIDs        = "backfill_serial_ids"
	ActionSendNotification         = "send_notification"
)

// Job statuses.
const (
	JobStatusPending = "pending"
	JobStatusSent    = "sent"
)

// Job is one unit of asynchronous follow-up work. Params must carry enough
// identity for the consumer to be idempotent on replay.
type Job struct {
	PartnerID   snowflake.ID
	Action      string
	Event       string
	Destination string
	Priority    string
	Params      map[string]any
	DedupeKey   string
}

// OutboxJob is the persisted form of a Job.
type OutboxJob struct {
	ID          snowflake.ID      `gorm:"primaryKey"`
	PartnerID   snowflake.ID      `gorm:"index"`
	Action      string            `gorm:"type:text;not null;index"`
	Event       string            `gorm:"type:text"`
	Destination string            `gorm:"type:text"`
	Priority    string            `gorm:"type:text"`
	Params      datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'"`
	DedupeKey   string            `gorm:"type:text;not null;uniqueIndex:ux_outbox_jobs_dedupe"`
	Status      string            `gorm:"type:text;not null;default:'pending';index"`
	SentAt      *time.Time        `gorm:""`
	CreatedAt   time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OutboxJob) TableName() string { return "outbox_jobs" }
