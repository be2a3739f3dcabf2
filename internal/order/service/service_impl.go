package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/clock"
	orderdomain "github.com/muselabs/muse/internal/order/domain"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/muselabs/muse/pkg/db"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      orderdomain.Repository
	quota     quotadomain.Service
	quotaRepo quotadomain.Repository
}

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      orderdomain.Repository
	Quota     quotadomain.Service
	QuotaRepo quotadomain.Repository
}

func NewService(p ServiceParam) orderdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("order.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		quota:     p.Quota,
		quotaRepo: p.QuotaRepo,
	}
}

// CreateOrder implements domain.Service.
func (s *Service) CreateOrder(ctx context.Context, req orderdomain.CreateOrderRequest) (*orderdomain.Order, error) {
	if req.UserID == 0 || req.Amount.IsNegative() || req.ValidDays < 0 {
		return nil, orderdomain.ErrInvalidOrder
	}
	if !req.GrantAmount.IsPositive() {
		return nil, orderdomain.ErrInvalidOrder
	}
	if req.PoolType == "" {
		req.PoolType = quotadomain.PoolPayGo
	}
	if !quotadomain.ValidPoolType(req.PoolType) || !quotadomain.ValidMeasurementType(req.MeasurementType) {
		return nil, orderdomain.ErrInvalidOrder
	}

	orderNo := strings.TrimSpace(req.OrderNo)
	if orderNo == "" {
		orderNo = "ORD-" + ulid.Make().String()
	}

	now := s.clock.Now()
	order := &orderdomain.Order{
		ID:              s.genID.Generate(),
		OrderNo:         orderNo,
		UserID:          req.UserID,
		Amount:          req.Amount,
		PoolType:        req.PoolType,
		MeasurementType: req.MeasurementType,
		GrantAmount:     req.GrantAmount,
		ValidDays:       req.ValidDays,
		Status:          orderdomain.OrderPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.repo.InsertOrder(ctx, s.db, order); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, orderdomain.ErrOrderExists
		}
		return nil, err
	}

	s.log.Info("order created",
		zap.String("order_no", order.OrderNo),
		zap.Int64("user_id", int64(order.UserID)),
		zap.String("grant_amount", order.GrantAmount.String()),
	)
	return order, nil
}

// MarkOrderPaid implements domain.Service. The row lock serializes competing
// webhook deliveries; the status transition and the grant-by-order-number
// pre-check each stop a replay on their own.
func (s *Service) MarkOrderPaid(ctx context.Context, orderNo string) (*orderdomain.Order, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, orderdomain.ErrInvalidOrder
	}

	var settled *orderdomain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.FindOrderByNoForUpdate(ctx, tx, orderNo)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}

		now := s.clock.Now()
		flipped, err := s.repo.UpdateOrderStatus(ctx, tx, order.ID, orderdomain.SettleableOrderStatuses, orderdomain.OrderPaid, &now, now)
		if err != nil {
			return err
		}
		if !flipped {
			s.log.Debug("order already settled, paid event ignored",
				zap.String("order_no", order.OrderNo),
				zap.String("status", string(order.Status)),
			)
			settled = order
			return nil
		}
		order.Status = orderdomain.OrderPaid
		order.PaidAt = &now
		order.UpdatedAt = now

		existing, err := s.quotaRepo.FindGrantByOrderNo(ctx, tx, order.OrderNo)
		if err != nil {
			return err
		}
		if existing == nil {
			_, err = s.quota.GrantTx(ctx, tx, quotadomain.GrantRequest{
				UserID:          order.UserID,
				PoolType:        order.PoolType,
				MeasurementType: order.MeasurementType,
				Amount:          order.GrantAmount,
				ValidDays:       order.ValidDays,
				OrderNo:         &order.OrderNo,
				Scene:           quotadomain.ScenePurchase,
				Description:     "order " + order.OrderNo,
			})
			if err != nil {
				return err
			}
		}

		settled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order settled",
		zap.String("order_no", settled.OrderNo),
		zap.String("status", string(settled.Status)),
	)
	return settled, nil
}

// MarkOrderFailed implements domain.Service. An order that already paid out
// keeps its grant; failure events arriving late change nothing.
func (s *Service) MarkOrderFailed(ctx context.Context, orderNo string) (*orderdomain.Order, error) {
	orderNo = strings.TrimSpace(orderNo)
	if orderNo == "" {
		return nil, orderdomain.ErrInvalidOrder
	}

	var settled *orderdomain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.repo.FindOrderByNoForUpdate(ctx, tx, orderNo)
		if err != nil {
			return err
		}
		if order == nil {
			return orderdomain.ErrOrderNotFound
		}

		now := s.clock.Now()
		flipped, err := s.repo.UpdateOrderStatus(ctx, tx, order.ID, orderdomain.SettleableOrderStatuses, orderdomain.OrderFailed, nil, now)
		if err != nil {
			return err
		}
		if flipped {
			order.Status = orderdomain.OrderFailed
			order.UpdatedAt = now
		}
		settled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order failed",
		zap.String("order_no", settled.OrderNo),
		zap.String("status", string(settled.Status)),
	)
	return settled, nil
}

// CreateSubscription implements domain.Service.
func (s *Service) CreateSubscription(ctx context.Context, req orderdomain.CreateSubscriptionRequest) (*orderdomain.Subscription, error) {
	if req.UserID == 0 || strings.TrimSpace(req.PlanCode) == "" {
		return nil, orderdomain.ErrInvalidSubscription
	}
	if !req.GrantAmount.IsPositive() || !quotadomain.ValidMeasurementType(req.MeasurementType) {
		return nil, orderdomain.ErrInvalidSubscription
	}
	if req.PeriodStart.IsZero() || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, orderdomain.ErrInvalidPeriod
	}

	subscriptionNo := strings.TrimSpace(req.SubscriptionNo)
	if subscriptionNo == "" {
		subscriptionNo = "SUB-" + ulid.Make().String()
	}

	now := s.clock.Now()
	subscription := &orderdomain.Subscription{
		ID:                 s.genID.Generate(),
		SubscriptionNo:     subscriptionNo,
		UserID:             req.UserID,
		PlanCode:           strings.TrimSpace(req.PlanCode),
		Status:             orderdomain.SubscriptionActive,
		GrantAmount:        req.GrantAmount,
		MeasurementType:    req.MeasurementType,
		CurrentPeriodStart: req.PeriodStart.UTC(),
		CurrentPeriodEnd:   req.PeriodEnd.UTC(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.InsertSubscription(ctx, s.db, subscription); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, orderdomain.ErrSubscriptionExists
		}
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_no", subscription.SubscriptionNo),
		zap.Int64("user_id", int64(subscription.UserID)),
		zap.String("plan_code", subscription.PlanCode),
	)
	return subscription, nil
}

// ApplySubscriptionRenewal implements domain.Service. The grant expires at
// the period end exactly, so unspent balance dies with the cycle. Replays of
// a period find its grant and return it; the current period only ever rolls
// forward, so a late replay of an old period cannot rewind it.
func (s *Service) ApplySubscriptionRenewal(ctx context.Context, subscriptionNo string, periodStart, periodEnd time.Time) (*quotadomain.QuotaTransaction, error) {
	subscriptionNo = strings.TrimSpace(subscriptionNo)
	if subscriptionNo == "" {
		return nil, orderdomain.ErrInvalidSubscription
	}
	if periodStart.IsZero() || !periodEnd.After(periodStart) {
		return nil, orderdomain.ErrInvalidPeriod
	}

	var grant *quotadomain.QuotaTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindSubscriptionByNoForUpdate(ctx, tx, subscriptionNo)
		if err != nil {
			return err
		}
		if subscription == nil {
			return orderdomain.ErrSubscriptionNotFound
		}
		if subscription.Status != orderdomain.SubscriptionActive {
			return orderdomain.ErrSubscriptionNotActive
		}

		existing, err := s.quotaRepo.FindGrantBySubscriptionPeriod(ctx, tx, subscription.SubscriptionNo, periodEnd)
		if err != nil {
			return err
		}
		if existing != nil {
			grant = existing
		} else {
			end := periodEnd.UTC()
			grant, err = s.quota.GrantTx(ctx, tx, quotadomain.GrantRequest{
				UserID:           subscription.UserID,
				PoolType:         quotadomain.PoolSubscription,
				MeasurementType:  subscription.MeasurementType,
				Amount:           subscription.GrantAmount,
				CurrentPeriodEnd: &end,
				SubscriptionNo:   &subscription.SubscriptionNo,
				Scene:            quotadomain.SceneRenewal,
				Description:      "subscription " + subscription.SubscriptionNo + " renewal",
			})
			if err != nil {
				return err
			}
		}

		if periodEnd.UTC().After(subscription.CurrentPeriodEnd.UTC()) {
			if err := s.repo.SetSubscriptionPeriod(ctx, tx, subscription.ID, periodStart, periodEnd, s.clock.Now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription renewed",
		zap.String("subscription_no", subscriptionNo),
		zap.Time("period_end", periodEnd.UTC()),
		zap.String("grant_no", grant.TransactionNo),
	)
	return grant, nil
}
