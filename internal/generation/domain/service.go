package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidTask      = errors.New("invalid_generation_task")
	ErrTaskNotFound     = errors.New("generation_task_not_found")
	ErrInvalidTaskState = errors.New("invalid_generation_task_state")
)

// CreateRequest accepts one generation request. A blank IdempotencyKey gets
// one generated, which makes that request single-shot; clients that retry
// must send their own key to dedupe on.
type CreateRequest struct {
	UserID         snowflake.ID   `json:"user_id"`
	ServiceType    string         `json:"service_type"`
	Scene          string         `json:"scene"`
	Prompt         string         `json:"prompt"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Service accepts generation work against the quota ledger. Create consumes
// and records atomically: the task row and its quota deduction commit or
// roll back together.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*GenerationTask, error)

	// MarkFailed closes a running task and refunds its consume. Replayed
	// failure callbacks find the task already failed and change nothing.
	MarkFailed(ctx context.Context, id snowflake.ID, reason string) (*GenerationTask, error)

	// MarkSucceeded closes a running task keeping the charge.
	MarkSucceeded(ctx context.Context, id snowflake.ID) (*GenerationTask, error)

	Get(ctx context.Context, id snowflake.ID) (*GenerationTask, error)
}
