package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository persists orders and subscriptions. Methods take the database
// handle explicitly so the coordinator can settle an order and write its
// grant in one transaction.
type Repository interface {
	InsertOrder(ctx context.Context, db *gorm.DB, order *Order) error
	FindOrderByNo(ctx context.Context, db *gorm.DB, orderNo string) (*Order, error)
	FindOrderByNoForUpdate(ctx context.Context, db *gorm.DB, orderNo string) (*Order, error)

	// UpdateOrderStatus flips status only when the row is still in one of
	// the from states, reporting whether this caller won the transition.
	UpdateOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []OrderStatus, to OrderStatus, paidAt *time.Time, updatedAt time.Time) (bool, error)

	InsertSubscription(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindSubscriptionByNo(ctx context.Context, db *gorm.DB, subscriptionNo string) (*Subscription, error)
	FindSubscriptionByNoForUpdate(ctx context.Context, db *gorm.DB, subscriptionNo string) (*Subscription, error)

	// SetSubscriptionPeriod rolls the current billing period. Writing the
	// same period twice is a no-op, which keeps renewal retries idempotent.
	SetSubscriptionPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, periodStart, periodEnd time.Time, updatedAt time.Time) error
}
