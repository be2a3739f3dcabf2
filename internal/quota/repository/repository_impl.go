package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/muselabs/muse/pkg/db"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const transactionColumns = `id, user_id, pool_type, measurement_type, transaction_type, transaction_scene,
 transaction_no, amount, remaining_amount, expires_at, status, order_no, subscription_no,
 consumed_detail, description, metadata, created_at, updated_at`

type repo struct{}

func Provide() quotadomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, transaction *quotadomain.QuotaTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO quota_transactions (
			id, user_id, pool_type, measurement_type, transaction_type, transaction_scene,
			transaction_no, amount, remaining_amount, expires_at, status, order_no,
			subscription_no, consumed_detail, description, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transaction.ID,
		transaction.UserID,
		transaction.PoolType,
		transaction.MeasurementType,
		transaction.TransactionType,
		transaction.TransactionScene,
		transaction.TransactionNo,
		transaction.Amount,
		transaction.RemainingAmount,
		transaction.ExpiresAt,
		transaction.Status,
		transaction.OrderNo,
		transaction.SubscriptionNo,
		transaction.ConsumedDetail,
		transaction.Description,
		transaction.Metadata,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*quotadomain.QuotaTransaction, error) {
	var transaction quotadomain.QuotaTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM quota_transactions WHERE id = ?`,
		id,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*quotadomain.QuotaTransaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM quota_transactions WHERE id = ?`
	if !db.IsSQLite(conn) {
		query += ` FOR UPDATE`
	}

	var transaction quotadomain.QuotaTransaction
	err := conn.WithContext(ctx).Raw(query, id).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindGrantByOrderNo(ctx context.Context, db *gorm.DB, orderNo string) (*quotadomain.QuotaTransaction, error) {
	var transaction quotadomain.QuotaTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM quota_transactions
		 WHERE order_no = ? AND transaction_type = ?
		 LIMIT 1`,
		orderNo,
		quotadomain.TransactionGrant,
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

func (r *repo) FindGrantBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionNo string, periodEnd time.Time) (*quotadomain.QuotaTransaction, error) {
	var transaction quotadomain.QuotaTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM quota_transactions
		 WHERE subscription_no = ? AND transaction_type = ? AND expires_at = ?
		 LIMIT 1`,
		subscriptionNo,
		quotadomain.TransactionGrant,
		periodEnd.UTC(),
	).Scan(&transaction).Error
	if err != nil {
		return nil, err
	}
	if transaction.ID == 0 {
		return nil, nil
	}
	return &transaction, nil
}

// FindEligibleGrants orders rows FIFO-by-expiry with never-expiring grants
// last, so balance that can still be saved is spent first. The CASE keeps
// the NULLs-last ordering portable across postgres, mysql, and sqlite.
func (r *repo) FindEligibleGrants(ctx context.Context, conn *gorm.DB, filter quotadomain.GrantFilter) ([]quotadomain.QuotaTransaction, error) {
	stmt := conn.WithContext(ctx).Model(&quotadomain.QuotaTransaction{}).
		Where("user_id = ?", filter.UserID).
		Where("pool_type = ?", filter.PoolType).
		Where("transaction_type = ?", quotadomain.TransactionGrant).
		Where("status = ?", quotadomain.StatusActive).
		Where("remaining_amount > 0").
		Where("expires_at IS NULL OR expires_at > ?", filter.At.UTC())

	if filter.MeasurementType != "" {
		stmt = stmt.Where("measurement_type = ?", filter.MeasurementType)
	}

	stmt = stmt.Order("CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC")

	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if filter.ForUpdate && !db.IsSQLite(conn) {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var grants []quotadomain.QuotaTransaction
	if err := stmt.Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) ListGrants(ctx context.Context, db *gorm.DB, userID snowflake.ID, poolType quotadomain.PoolType, at time.Time) ([]quotadomain.QuotaTransaction, error) {
	var grants []quotadomain.QuotaTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT `+transactionColumns+` FROM quota_transactions
		 WHERE user_id = ? AND pool_type = ? AND transaction_type = ? AND status = ?
		   AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at ASC, id ASC`,
		userID,
		poolType,
		quotadomain.TransactionGrant,
		quotadomain.StatusActive,
		at.UTC(),
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) SetRemainingAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, remaining decimal.Decimal, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE quota_transactions SET remaining_amount = ?, updated_at = ? WHERE id = ?`,
		remaining,
		updatedAt.UTC(),
		id,
	).Error
}

func (r *repo) AddRemainingAmount(ctx context.Context, db *gorm.DB, id snowflake.ID, amount decimal.Decimal, updatedAt time.Time) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE quota_transactions
		 SET remaining_amount = remaining_amount + ?, updated_at = ?
		 WHERE id = ?`,
		amount,
		updatedAt.UTC(),
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, fromStatus, toStatus quotadomain.TransactionStatus, updatedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE quota_transactions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		toStatus,
		updatedAt.UTC(),
		id,
		fromStatus,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SweepExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE quota_transactions SET status = ?, updated_at = ?
		 WHERE status = ? AND transaction_type = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		quotadomain.StatusExpired,
		now.UTC(),
		quotadomain.StatusActive,
		quotadomain.TransactionGrant,
		now.UTC(),
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter quotadomain.ListFilter) ([]*quotadomain.QuotaTransaction, error) {
	stmt := db.WithContext(ctx).Model(&quotadomain.QuotaTransaction{}).
		Where("user_id = ?", filter.UserID)

	if filter.PoolType != "" {
		stmt = stmt.Where("pool_type = ?", filter.PoolType)
	}
	if filter.TransactionType != "" {
		stmt = stmt.Where("transaction_type = ?", filter.TransactionType)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt,
			filter.Cursor.CreatedAt,
			filter.Cursor.ID,
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var transactions []*quotadomain.QuotaTransaction
	if err := stmt.Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}
