package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder          = errors.New("invalid_order")
	ErrInvalidSubscription   = errors.New("invalid_subscription")
	ErrInvalidPeriod         = errors.New("invalid_period")
	ErrOrderNotFound         = errors.New("order_not_found")
	ErrOrderExists           = errors.New("order_exists")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionExists    = errors.New("subscription_exists")
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
)

// CreateOrderRequest registers a purchase before the provider confirms it.
// A blank OrderNo gets one generated.
type CreateOrderRequest struct {
	OrderNo         string                      `json:"order_no"`
	UserID          snowflake.ID                `json:"user_id"`
	Amount          decimal.Decimal             `json:"amount"`
	PoolType        quotadomain.PoolType        `json:"pool_type"`
	MeasurementType quotadomain.MeasurementType `json:"measurement_type"`
	GrantAmount     decimal.Decimal             `json:"grant_amount"`
	ValidDays       int                         `json:"valid_days"`
}

// CreateSubscriptionRequest registers a plan with its first billing period.
// No quota is granted until a renewal settles.
type CreateSubscriptionRequest struct {
	SubscriptionNo  string                      `json:"subscription_no"`
	UserID          snowflake.ID                `json:"user_id"`
	PlanCode        string                      `json:"plan_code"`
	GrantAmount     decimal.Decimal             `json:"grant_amount"`
	MeasurementType quotadomain.MeasurementType `json:"measurement_type"`
	PeriodStart     time.Time                   `json:"period_start"`
	PeriodEnd       time.Time                   `json:"period_end"`
}

// Service coordinates payment settlement with the quota ledger. Settlement
// operations are safe against webhook replays: a duplicate event finds the
// order already terminal, or the grant already written, and changes nothing.
type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)

	// MarkOrderPaid settles one order: it flips a settleable order to PAID
	// and writes the quota grant keyed by the order number, atomically.
	MarkOrderPaid(ctx context.Context, orderNo string) (*Order, error)

	// MarkOrderFailed closes one order without granting. An order that
	// already settled stays as it is.
	MarkOrderFailed(ctx context.Context, orderNo string) (*Order, error)

	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)

	// ApplySubscriptionRenewal grants the plan amount for one billing
	// period and rolls the subscription's current period forward. The
	// grant is keyed by (subscription number, period end): replaying the
	// same period never grants twice.
	ApplySubscriptionRenewal(ctx context.Context, subscriptionNo string, periodStart, periodEnd time.Time) (*quotadomain.QuotaTransaction, error)
}
