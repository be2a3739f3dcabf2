// Package domain contains the billing records the payment webhook settles
// against. Orders and subscriptions carry the quota terms to apply once a
// provider confirms payment; the grant itself lives in the quota ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/shopspring/decimal"
)

// OrderStatus is the settlement state machine. PENDING and CREATED are both
// settleable; PAID and FAILED are terminal.
type OrderStatus string

const (
	OrderPending OrderStatus = "PENDING"
	OrderCreated OrderStatus = "CREATED"
	OrderPaid    OrderStatus = "PAID"
	OrderFailed  OrderStatus = "FAILED"
)

// SettleableOrderStatuses are the states a webhook may move an order out of.
var SettleableOrderStatuses = []OrderStatus{OrderPending, OrderCreated}

// Order is one purchase awaiting settlement. Amount is the money charged;
// GrantAmount is the quota credited on payment, in the pool's measurement.
type Order struct {
	ID              snowflake.ID                `gorm:"primaryKey" json:"id"`
	OrderNo         string                      `gorm:"type:text;not null;uniqueIndex:ux_orders_order_no" json:"order_no"`
	UserID          snowflake.ID                `gorm:"not null;index" json:"user_id"`
	Amount          decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"amount"`
	PoolType        quotadomain.PoolType        `gorm:"type:text;not null" json:"pool_type"`
	MeasurementType quotadomain.MeasurementType `gorm:"type:text;not null" json:"measurement_type"`
	GrantAmount     decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"grant_amount"`
	ValidDays       int                         `gorm:"not null;default:0" json:"valid_days"`
	Status          OrderStatus                 `gorm:"type:text;not null" json:"status"`
	PaidAt          *time.Time                  `json:"paid_at,omitempty"`
	CreatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "orders" }

// SubscriptionStatus is the subscription lifecycle state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionCanceled SubscriptionStatus = "CANCELED"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
)

// Subscription is one recurring plan. Each renewal grants GrantAmount into
// the SUBSCRIPTION pool, expiring exactly at the period end.
type Subscription struct {
	ID                 snowflake.ID                `gorm:"primaryKey" json:"id"`
	SubscriptionNo     string                      `gorm:"type:text;not null;uniqueIndex:ux_subscriptions_no" json:"subscription_no"`
	UserID             snowflake.ID                `gorm:"not null;index" json:"user_id"`
	PlanCode           string                      `gorm:"type:text;not null" json:"plan_code"`
	Status             SubscriptionStatus          `gorm:"type:text;not null" json:"status"`
	GrantAmount        decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"grant_amount"`
	MeasurementType    quotadomain.MeasurementType `gorm:"type:text;not null" json:"measurement_type"`
	CurrentPeriodStart time.Time                   `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time                   `gorm:"not null" json:"current_period_end"`
	CreatedAt          time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
