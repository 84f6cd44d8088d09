// Package domain contains partner-level settings consumed read-only by the
// billing engine.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Settings carries the per-partner knobs the ledger components read. The
// engine never writes this table.
type Settings struct {
	ID                  snowflake.ID `gorm:"primaryKey"`
	PartnerID           snowflake.ID `gorm:"not null;uniqueIndex:ux_partner_settings_partner"`
	TransactionsEnabled bool         `gorm:"not null;default:false"`
	Timezone            string       `gorm:"type:text;not null;default:'UTC'"`
	CompanyName         string       `gorm:"type:text"`
	BankAccountNumber   string       `gorm:"type:text"`
	CountryCode         string       `gorm:"type:text"`
	CurrencyCode        string       `gorm:"type:text;not null;default:'NOK'"`
	EvictionNoticeDays  int          `gorm:"not null;default:14"`
	CreatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt           time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Settings) TableName() string { return "partner_settings" }
