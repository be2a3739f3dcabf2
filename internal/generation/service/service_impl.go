package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/muselabs/muse/internal/clock"
	generationdomain "github.com/muselabs/muse/internal/generation/domain"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/muselabs/muse/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	quota quotadomain.Service
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Quota quotadomain.Service
}

func NewService(p ServiceParam) generationdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("generation.service"),

		genID: p.GenID,
		clock: p.Clock,
		quota: p.Quota,
	}
}

// Create implements domain.Service. The idempotency pre-check runs inside
// the transaction and the unique key index backs it up: when two identical
// requests race, the loser's insert fails and its consume rolls back with
// it, then the loser re-reads the winner's task.
func (s *Service) Create(ctx context.Context, req generationdomain.CreateRequest) (*generationdomain.GenerationTask, error) {
	serviceType := strings.ToLower(strings.TrimSpace(req.ServiceType))
	prompt := strings.TrimSpace(req.Prompt)
	if req.UserID == 0 || serviceType == "" || prompt == "" {
		return nil, generationdomain.ErrInvalidTask
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}

	var task *generationdomain.GenerationTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.findByIdempotencyKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			task = existing
			return nil
		}

		result, err := s.quota.ConsumeTx(ctx, tx, quotadomain.ConsumeRequest{
			UserID:      req.UserID,
			ServiceType: serviceType,
			Scene:       req.Scene,
			Description: "generation " + serviceType,
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		task = &generationdomain.GenerationTask{
			ID:                 s.genID.Generate(),
			UserID:             req.UserID,
			ServiceType:        serviceType,
			Scene:              strings.TrimSpace(req.Scene),
			Prompt:             prompt,
			Status:             generationdomain.TaskPending,
			QuotaTransactionID: result.QuotaID,
			CostAmount:         result.CostAmount,
			IdempotencyKey:     key,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if req.Metadata != nil {
			task.Metadata = datatypes.JSONMap(req.Metadata)
		}
		return tx.WithContext(ctx).Create(task).Error
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			existing, lookupErr := s.findByIdempotencyKey(ctx, s.db, key)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	s.log.Info("generation task accepted",
		zap.Int64("task_id", int64(task.ID)),
		zap.Int64("user_id", int64(task.UserID)),
		zap.String("service_type", task.ServiceType),
		zap.String("status", string(task.Status)),
	)
	return task, nil
}

// MarkFailed implements domain.Service. The status flip and the refund share
// one transaction, so a task can never end up failed with its charge kept.
func (s *Service) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*generationdomain.GenerationTask, error) {
	var task *generationdomain.GenerationTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.WithContext(ctx).Model(&generationdomain.GenerationTask{}).
			Where("id = ? AND status IN ?", id, generationdomain.RunningTaskStatuses).
			Updates(map[string]any{
				"status":         generationdomain.TaskFailed,
				"failure_reason": strings.TrimSpace(reason),
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}

		current, err := s.find(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return generationdomain.ErrTaskNotFound
		}
		if result.RowsAffected == 0 {
			if current.Status == generationdomain.TaskFailed {
				task = current
				return nil
			}
			return generationdomain.ErrInvalidTaskState
		}

		if err := s.quota.RefundTx(ctx, tx, current.QuotaTransactionID); err != nil {
			return err
		}
		task = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("generation task failed",
		zap.Int64("task_id", int64(task.ID)),
		zap.String("reason", task.FailureReason),
	)
	return task, nil
}

// MarkSucceeded implements domain.Service.
func (s *Service) MarkSucceeded(ctx context.Context, id snowflake.ID) (*generationdomain.GenerationTask, error) {
	var task *generationdomain.GenerationTask
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.WithContext(ctx).Model(&generationdomain.GenerationTask{}).
			Where("id = ? AND status IN ?", id, generationdomain.RunningTaskStatuses).
			Updates(map[string]any{
				"status":     generationdomain.TaskSucceeded,
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}

		current, err := s.find(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return generationdomain.ErrTaskNotFound
		}
		if result.RowsAffected == 0 && current.Status != generationdomain.TaskSucceeded {
			return generationdomain.ErrInvalidTaskState
		}
		task = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("generation task succeeded", zap.Int64("task_id", int64(task.ID)))
	return task, nil
}

// Get implements domain.Service.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*generationdomain.GenerationTask, error) {
	task, err := s.find(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, generationdomain.ErrTaskNotFound
	}
	return task, nil
}

func (s *Service) find(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*generationdomain.GenerationTask, error) {
	var task generationdomain.GenerationTask
	err := tx.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, tx *gorm.DB, key string) (*generationdomain.GenerationTask, error) {
	var task generationdomain.GenerationTask
	err := tx.WithContext(ctx).
		Where("idempotency_key = ?", key).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == 0 {
		return nil, nil
	}
	return &task, nil
}
