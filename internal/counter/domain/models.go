// Package domain contains the serial counter model and service contract.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Counter is a single monotonically-increasing serial source per namespace.
// NextVal is only ever moved by an atomic upsert; application code never
// reads it and writes it back.
type Counter struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	Namespace string       `gorm:"type:text;not null;uniqueIndex:ux_counters_namespace"`
	NextVal   int64        `gorm:"not null;default:0"`
}

// TableName sets the database table name.
func (Counter) TableName() string { return "counters" }

type Service interface {
	// Increment allocates the next serial for the namespace, creating the
	// counter at 1 when absent.
	Increment(ctx context.Context, namespace string) (int64, error)
	// IncrementTx allocates inside an ambient transaction.
	IncrementTx(ctx context.Context, tx *gorm.DB, namespace string) (int64, error)
}

var (
	ErrInvalidNamespace = errors.New("invalid_namespace")
)
