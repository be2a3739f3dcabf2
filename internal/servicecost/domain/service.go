package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidServiceType = errors.New("invalid_service_type")
	ErrInvalidCost        = errors.New("invalid_cost")
	ErrCostNotFound       = errors.New("service_cost_not_found")
)

// UpsertRequest creates or replaces the cost row for (service_type, scene).
type UpsertRequest struct {
	ServiceType string          `json:"service_type"`
	Scene       string          `json:"scene"`
	DollarCost  decimal.Decimal `json:"dollar_cost"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Active      *bool           `json:"active"`
}

// Service resolves and administers service cost configuration. Resolve goes
// through the injected cost cache; Upsert and Invalidate keep it honest.
type Service interface {
	Resolve(ctx context.Context, serviceType, scene string) (*ServiceCost, error)
	Upsert(ctx context.Context, req UpsertRequest) (*ServiceCost, error)
	List(ctx context.Context) ([]ServiceCost, error)
	Invalidate(ctx context.Context, serviceType, scene string)
}
