package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GrantFilter scopes eligible-grant lookups. Eligible means an ACTIVE GRANT
// row with balance left that has not expired as of At.
type GrantFilter struct {
	UserID          snowflake.ID
	PoolType        PoolType
	MeasurementType MeasurementType // optional; zero value matches any
	At              time.Time
	Limit           int  // optional; zero means no limit
	ForUpdate       bool // row locks on dialects that support them
}

// ListFilter scopes ledger listings for the admin surface.
type ListFilter struct {
	UserID          snowflake.ID
	PoolType        PoolType          // optional
	TransactionType TransactionType   // optional
	Status          TransactionStatus // optional
	Cursor          *ListCursor
	Limit           int
}

// ListCursor is the keyset position for paging ledger rows newest-first.
type ListCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

// Repository persists quota transactions. Methods take the database handle
// explicitly so services can compose them into one transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, transaction *QuotaTransaction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QuotaTransaction, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*QuotaTransaction, error)

	// FindGrantByOrderNo and FindGrantBySubscriptionPeriod back the
	// coordinator's idempotency pre-checks.
	FindGrantByOrderNo(ctx context.Context, db *gorm.DB, orderNo string) (*QuotaTransaction, error)
	FindGrantBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionNo string, periodEnd time.Time) (*QuotaTransaction, error)

	// FindEligibleGrants returns eligible grant rows FIFO-by-expiry:
	// soonest expiry first, never-expiring rows last.
	FindEligibleGrants(ctx context.Context, db *gorm.DB, filter GrantFilter) ([]QuotaTransaction, error)

	// ListGrants returns every ACTIVE, non-expired GRANT row for a pool,
	// drained rows included, for overview aggregation.
	ListGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, poolType PoolType, at time.Time) ([]QuotaTransaction, error)

	// SetRemainingAmount pins a grant's balance to an absolute value.
	// Callers hold the row lock from FindEligibleGrants.
	SetRemainingAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, remaining decimal.Decimal, updatedAt time.Time) error

	// AddRemainingAmount restores balance additively, regardless of the
	// grant's current status or expiry. Used by refund.
	AddRemainingAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, updatedAt time.Time) error

	// UpdateStatus flips status only when the row is still in fromStatus,
	// reporting whether this caller won the transition.
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStatus, toStatus TransactionStatus, updatedAt time.Time) (bool, error)

	// SweepExpired flips ACTIVE grants whose expiry passed to EXPIRED and
	// returns how many rows changed.
	SweepExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)

	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*QuotaTransaction, error)
}
