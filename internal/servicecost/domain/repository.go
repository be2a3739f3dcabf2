package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	Upsert(ctx context.Context, db *gorm.DB, cost *ServiceCost) error
	Find(ctx context.Context, db *gorm.DB, serviceType, scene string) (*ServiceCost, error)
	FindActive(ctx context.Context, db *gorm.DB, serviceType, scene string) (*ServiceCost, error)
	List(ctx context.Context, db *gorm.DB) ([]ServiceCost, error)
}
