// Package domain contains the quota ledger persistence model. Every balance
// movement is one immutable QuotaTransaction row; grants carry the live
// remaining balance, consumes carry the reversal manifest.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PoolType partitions a user's balance by consumption priority.
type PoolType string

const (
	PoolTrial        PoolType = "TRIAL"
	PoolSubscription PoolType = "SUBSCRIPTION"
	PoolPayGo        PoolType = "PAYGO"
)

// PoolPriority is the fixed order consumption tries pools in.
var PoolPriority = []PoolType{PoolTrial, PoolSubscription, PoolPayGo}

// ValidPoolType reports whether p names a known pool.
func ValidPoolType(p PoolType) bool {
	switch p {
	case PoolTrial, PoolSubscription, PoolPayGo:
		return true
	default:
		return false
	}
}

// MeasurementType is the unit a pool is denominated in. All grant rows
// feeding one logical pool balance share it.
type MeasurementType string

const (
	MeasurementDollar MeasurementType = "DOLLAR"
	MeasurementUnit   MeasurementType = "UNIT"
)

// ValidMeasurementType reports whether m names a known measurement type.
func ValidMeasurementType(m MeasurementType) bool {
	switch m {
	case MeasurementDollar, MeasurementUnit:
		return true
	default:
		return false
	}
}

// TransactionType distinguishes balance additions from deductions.
type TransactionType string

const (
	TransactionGrant   TransactionType = "GRANT"
	TransactionConsume TransactionType = "CONSUME"
)

// TransactionStatus is the row lifecycle state. DELETED marks a refunded
// consume; EXPIRED marks a grant swept past its expiry.
type TransactionStatus string

const (
	StatusActive  TransactionStatus = "ACTIVE"
	StatusExpired TransactionStatus = "EXPIRED"
	StatusDeleted TransactionStatus = "DELETED"
)

// Well-known transaction scenes. Consume rows carry the service type string
// as their scene instead.
const (
	SceneSubscription = "subscription"
	SceneRenewal      = "renewal"
	ScenePurchase     = "purchase"
	SceneTrial        = "trial"
	SceneGift         = "gift"
)

// ConsumeDetail is one manifest entry on a CONSUME row: how much was taken
// from which grant, with the grant's balance before and after. Replaying the
// entries reconstructs the deduction exactly; the refund path restores them
// verbatim.
type ConsumeDetail struct {
	GrantID      snowflake.ID    `json:"grant_id"`
	Amount       decimal.Decimal `json:"amount"`
	AmountBefore decimal.Decimal `json:"amount_before"`
	AmountAfter  decimal.Decimal `json:"amount_after"`
	BatchNo      int             `json:"batch_no"`
}

// QuotaTransaction is the sole ledger entity. GRANT rows hold a positive
// Amount and a RemainingAmount that only consumption decreases and refunds
// restore. CONSUME rows hold the negative total cost and the manifest of
// grant rows it drained.
type QuotaTransaction struct {
	ID               snowflake.ID                       `gorm:"primaryKey" json:"id"`
	UserID           snowflake.ID                       `gorm:"not null;index:idx_quota_tx_fifo,priority:1" json:"user_id"`
	PoolType         PoolType                           `gorm:"type:text;not null;index:idx_quota_tx_fifo,priority:2" json:"pool_type"`
	MeasurementType  MeasurementType                    `gorm:"type:text;not null" json:"measurement_type"`
	TransactionType  TransactionType                    `gorm:"type:text;not null;index:idx_quota_tx_fifo,priority:4" json:"transaction_type"`
	TransactionScene string                             `gorm:"type:text;not null" json:"transaction_scene"`
	TransactionNo    string                             `gorm:"type:text;not null;uniqueIndex:ux_quota_tx_no" json:"transaction_no"`
	Amount           decimal.Decimal                    `gorm:"type:decimal(20,8);not null" json:"amount"`
	RemainingAmount  decimal.Decimal                    `gorm:"type:decimal(20,8);not null" json:"remaining_amount"`
	ExpiresAt        *time.Time                         `gorm:"index" json:"expires_at,omitempty"`
	Status           TransactionStatus                  `gorm:"type:text;not null;index:idx_quota_tx_fifo,priority:3" json:"status"`
	OrderNo          *string                            `gorm:"type:text;index" json:"order_no,omitempty"`
	SubscriptionNo   *string                            `gorm:"type:text;index" json:"subscription_no,omitempty"`
	ConsumedDetail   datatypes.JSONSlice[ConsumeDetail] `gorm:"type:jsonb" json:"consumed_detail,omitempty"`
	Description      string                             `gorm:"type:text" json:"description,omitempty"`
	Metadata         datatypes.JSONMap                  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time                          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (QuotaTransaction) TableName() string { return "quota_transactions" }

// Eligible reports whether the grant row can feed consumption at the given
// instant: active, balance left, and not past expiry. Rows that never expire
// stay eligible until drained or swept.
func (t *QuotaTransaction) Eligible(at time.Time) bool {
	if t.TransactionType != TransactionGrant || t.Status != StatusActive {
		return false
	}
	if !t.RemainingAmount.IsPositive() {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(at)
}
