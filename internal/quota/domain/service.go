package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/pkg/db/pagination"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrInvalidUser            = errors.New("invalid_user")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidPoolType        = errors.New("invalid_pool_type")
	ErrInvalidMeasurementType = errors.New("invalid_measurement_type")
	ErrInvalidScene           = errors.New("invalid_scene")
	ErrInvalidServiceType     = errors.New("invalid_service_type")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
	ErrCostNotConfigured      = errors.New("cost_not_configured")
	ErrInsufficientQuota      = errors.New("insufficient_quota")
	ErrQuotaRaceCondition     = errors.New("quota_race_condition")
	ErrTransactionNotFound    = errors.New("quota_transaction_not_found")
)

// GrantRequest adds quota to one of a user's pools. Expiry resolution:
// CurrentPeriodEnd pins the expiry to that instant exactly (subscription
// grants live and die with the billing period); otherwise a positive
// ValidDays counts from now; otherwise the grant never expires.
type GrantRequest struct {
	UserID           snowflake.ID    `json:"user_id"`
	PoolType         PoolType        `json:"pool_type"`
	MeasurementType  MeasurementType `json:"measurement_type"`
	Amount           decimal.Decimal `json:"amount"`
	ValidDays        int             `json:"valid_days,omitempty"`
	CurrentPeriodEnd *time.Time      `json:"current_period_end,omitempty"`
	OrderNo          *string         `json:"order_no,omitempty"`
	SubscriptionNo   *string         `json:"subscription_no,omitempty"`
	Scene            string          `json:"scene"`
	Description      string          `json:"description,omitempty"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// ConsumeRequest deducts the configured cost of one service call from the
// user's pools, tried in fixed priority order.
type ConsumeRequest struct {
	UserID      snowflake.ID   `json:"user_id"`
	ServiceType string         `json:"service_type"`
	Scene       string         `json:"scene"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ConsumeResult reports the committed deduction. QuotaID references the
// CONSUME row; callers keep it to request a refund on downstream failure.
type ConsumeResult struct {
	QuotaID         snowflake.ID    `json:"quota_id"`
	TransactionNo   string          `json:"transaction_no"`
	PoolType        PoolType        `json:"pool_type"`
	MeasurementType MeasurementType `json:"measurement_type"`
	CostAmount      decimal.Decimal `json:"cost_amount"`
	ConsumedDetail  []ConsumeDetail `json:"consumed_detail"`
}

// PoolSummary aggregates one pool for billing UIs. TotalGranted sums the
// original amounts of active, non-expired grants; Remaining sums what is
// left on them; TotalConsumed is the difference. EarliestExpiry surfaces
// only future expiries on rows that still hold balance.
type PoolSummary struct {
	PoolType        PoolType        `json:"pool_type"`
	MeasurementType MeasurementType `json:"measurement_type"`
	TotalGranted    decimal.Decimal `json:"total_granted"`
	TotalConsumed   decimal.Decimal `json:"total_consumed"`
	Remaining       decimal.Decimal `json:"remaining"`
	EarliestExpiry  *time.Time      `json:"earliest_expiry,omitempty"`
}

// Overview reports every pool independently. A nil pool means the user never
// held quota there, as opposed to holding a drained balance.
type Overview struct {
	Trial        *PoolSummary `json:"trial"`
	Subscription *PoolSummary `json:"subscription"`
	PayGo        *PoolSummary `json:"paygo"`
}

// ListTransactionsRequest pages a user's ledger newest-first.
type ListTransactionsRequest struct {
	pagination.Pagination
	UserID          snowflake.ID
	PoolType        PoolType
	TransactionType TransactionType
	Status          TransactionStatus
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []QuotaTransaction `json:"transactions"`
}

// Service is the quota ledger. Mutating operations run inside database
// transactions; the Tx variants join a transaction the caller already holds
// so collaborating rows commit or roll back together.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*QuotaTransaction, error)
	GrantTx(ctx context.Context, tx *gorm.DB, req GrantRequest) (*QuotaTransaction, error)

	Consume(ctx context.Context, req ConsumeRequest) (*ConsumeResult, error)
	ConsumeTx(ctx context.Context, tx *gorm.DB, req ConsumeRequest) (*ConsumeResult, error)

	// CanConsume is the advisory pre-flight gate: a lock-free read answering
	// whether any single pool currently covers the cost. It returns false on
	// any internal error instead of raising.
	CanConsume(ctx context.Context, userID snowflake.ID, serviceType, scene string) bool

	// Refund reverses one committed consume, restoring exactly the manifest
	// amounts. Missing or already-reversed rows are a no-op.
	Refund(ctx context.Context, consumeID snowflake.ID) error
	RefundTx(ctx context.Context, tx *gorm.DB, consumeID snowflake.ID) error

	Overview(ctx context.Context, userID snowflake.ID) (*Overview, error)

	// Remaining sums the live balance, optionally scoped to one pool.
	// A nil poolType spans all pools.
	Remaining(ctx context.Context, userID snowflake.ID, poolType *PoolType) (decimal.Decimal, error)

	// SweepExpired is the ledger-side primitive behind the external expiry
	// job: it flips overdue ACTIVE grants to EXPIRED as of now.
	SweepExpired(ctx context.Context, now time.Time) (int64, error)

	Get(ctx context.Context, id snowflake.ID) (*QuotaTransaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (ListTransactionsResponse, error)
}
