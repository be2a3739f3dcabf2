package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orderdomain "github.com/muselabs/muse/internal/order/domain"
	"github.com/muselabs/muse/pkg/db"
	"gorm.io/gorm"
)

const orderColumns = `id, order_no, user_id, amount, pool_type, measurement_type, grant_amount,
 valid_days, status, paid_at, created_at, updated_at`

const subscriptionColumns = `id, subscription_no, user_id, plan_code, status, grant_amount,
 measurement_type, current_period_start, current_period_end, created_at, updated_at`

type repo struct{}

func Provide() orderdomain.Repository {
	return &repo{}
}

func (r *repo) InsertOrder(ctx context.Context, db *gorm.DB, order *orderdomain.Order) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO orders (
			id, order_no, user_id, amount, pool_type, measurement_type,
			grant_amount, valid_days, status, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.OrderNo,
		order.UserID,
		order.Amount,
		order.PoolType,
		order.MeasurementType,
		order.GrantAmount,
		order.ValidDays,
		order.Status,
		order.PaidAt,
		order.CreatedAt,
		order.UpdatedAt,
	).Error
}

func (r *repo) FindOrderByNo(ctx context.Context, db *gorm.DB, orderNo string) (*orderdomain.Order, error) {
	var order orderdomain.Order
	err := db.WithContext(ctx).Raw(
		`SELECT `+orderColumns+` FROM orders WHERE order_no = ?`,
		orderNo,
	).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) FindOrderByNoForUpdate(ctx context.Context, conn *gorm.DB, orderNo string) (*orderdomain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_no = ?`
	if !db.IsSQLite(conn) {
		query += ` FOR UPDATE`
	}

	var order orderdomain.Order
	err := conn.WithContext(ctx).Raw(query, orderNo).Scan(&order).Error
	if err != nil {
		return nil, err
	}
	if order.ID == 0 {
		return nil, nil
	}
	return &order, nil
}

func (r *repo) UpdateOrderStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []orderdomain.OrderStatus, to orderdomain.OrderStatus, paidAt *time.Time, updatedAt time.Time) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": updatedAt.UTC(),
	}
	if paidAt != nil {
		paid := paidAt.UTC()
		updates["paid_at"] = &paid
	}

	result := db.WithContext(ctx).Model(&orderdomain.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, subscription *orderdomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, subscription_no, user_id, plan_code, status, grant_amount,
			measurement_type, current_period_start, current_period_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.SubscriptionNo,
		subscription.UserID,
		subscription.PlanCode,
		subscription.Status,
		subscription.GrantAmount,
		subscription.MeasurementType,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindSubscriptionByNo(ctx context.Context, db *gorm.DB, subscriptionNo string) (*orderdomain.Subscription, error) {
	var subscription orderdomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE subscription_no = ?`,
		subscriptionNo,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindSubscriptionByNoForUpdate(ctx context.Context, conn *gorm.DB, subscriptionNo string) (*orderdomain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_no = ?`
	if !db.IsSQLite(conn) {
		query += ` FOR UPDATE`
	}

	var subscription orderdomain.Subscription
	err := conn.WithContext(ctx).Raw(query, subscriptionNo).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) SetSubscriptionPeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, periodStart, periodEnd time.Time, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET current_period_start = ?, current_period_end = ?, updated_at = ? WHERE id = ?`,
		periodStart.UTC(),
		periodEnd.UTC(),
		updatedAt.UTC(),
		id,
	).Error
}
