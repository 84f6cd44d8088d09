// Package domain contains the rental contract read model. The billing
// engine treats contracts as input; the only field it ever flips is the
// defaulted tag.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type ContractStatus string

const (
	ContractStatusActive   ContractStatus = "active"
	ContractStatusClosed   ContractStatus = "closed"
	ContractStatusUpcoming ContractStatus = "upcoming"
)

type Contract struct {
	ID         snowflake.ID   `gorm:"primaryKey"`
	PartnerID  snowflake.ID   `gorm:"not null;index"`
	PropertyID snowflake.ID   `gorm:"not null;index"`
	AccountID  snowflake.ID   `gorm:"index"`
	TenantID   snowflake.ID   `gorm:"index"`
	LandlordID snowflake.ID   `gorm:"index"`
	AgentID    snowflake.ID   `gorm:"index"`
	BranchID   snowflake.ID   `gorm:"index"`
	Status     ContractStatus `gorm:"type:text;not null;default:'active'"`

	IsDefaulted bool `gorm:"not null;default:false"`

	RentAmount                  decimal.Decimal `gorm:"type:numeric(14,2);not null;default:0"`
	BrokeringCommissionPercent  decimal.Decimal `gorm:"type:numeric(6,2);not null;default:0"`
	ManagementCommissionPercent decimal.Decimal `gorm:"type:numeric(6,2);not null;default:0"`

	StartsAt  *time.Time `gorm:""`
	EndsAt    *time.Time `gorm:""`
	CreatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Contract) TableName() string { return "contracts" }
