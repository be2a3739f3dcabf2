// Package domain contains the generation task model, the touchpoint between
// content generation and the quota ledger. A task is created only after its
// cost is consumed; a failed task releases the hold through a refund.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// TaskStatus is the generation lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskSucceeded  TaskStatus = "SUCCEEDED"
	TaskFailed     TaskStatus = "FAILED"
)

// RunningTaskStatuses are the states a completion callback may close from.
var RunningTaskStatuses = []TaskStatus{TaskPending, TaskProcessing}

// GenerationTask records one paid generation request. QuotaTransactionID
// points at the consume row written when the task was accepted; the failure
// path refunds through it.
type GenerationTask struct {
	ID                 snowflake.ID      `gorm:"primaryKey" json:"id"`
	UserID             snowflake.ID      `gorm:"not null;index" json:"user_id"`
	ServiceType        string            `gorm:"type:text;not null" json:"service_type"`
	Scene              string            `gorm:"type:text;not null;default:''" json:"scene"`
	Prompt             string            `gorm:"type:text;not null" json:"prompt"`
	Status             TaskStatus        `gorm:"type:text;not null" json:"status"`
	QuotaTransactionID snowflake.ID      `gorm:"not null" json:"quota_transaction_id"`
	CostAmount         decimal.Decimal   `gorm:"type:decimal(20,8);not null" json:"cost_amount"`
	IdempotencyKey     string            `gorm:"type:text;not null;uniqueIndex:ux_generation_tasks_idem" json:"idempotency_key"`
	FailureReason      string            `gorm:"type:text" json:"failure_reason,omitempty"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (GenerationTask) TableName() string { return "generation_tasks" }
