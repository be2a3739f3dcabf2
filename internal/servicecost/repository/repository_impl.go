package repository

import (
	"context"

	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() servicecostdomain.Repository {
	return &repo{}
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, cost *servicecostdomain.ServiceCost) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "service_type"}, {Name: "scene"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"dollar_cost", "unit_cost", "active", "updated_at",
		}),
	}).Create(cost).Error
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, serviceType, scene string) (*servicecostdomain.ServiceCost, error) {
	var cost servicecostdomain.ServiceCost
	err := db.WithContext(ctx).Raw(
		`SELECT id, service_type, scene, dollar_cost, unit_cost, active, created_at, updated_at
		 FROM service_costs WHERE service_type = ? AND scene = ?`,
		serviceType,
		scene,
	).Scan(&cost).Error
	if err != nil {
		return nil, err
	}
	if cost.ID == 0 {
		return nil, nil
	}
	return &cost, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, serviceType, scene string) (*servicecostdomain.ServiceCost, error) {
	var cost servicecostdomain.ServiceCost
	err := db.WithContext(ctx).Raw(
		`SELECT id, service_type, scene, dollar_cost, unit_cost, active, created_at, updated_at
		 FROM service_costs WHERE service_type = ? AND scene = ? AND active = ?`,
		serviceType,
		scene,
		true,
	).Scan(&cost).Error
	if err != nil {
		return nil, err
	}
	if cost.ID == 0 {
		return nil, nil
	}
	return &cost, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]servicecostdomain.ServiceCost, error) {
	var costs []servicecostdomain.ServiceCost
	err := db.WithContext(ctx).Raw(
		`SELECT id, service_type, scene, dollar_cost, unit_cost, active, created_at, updated_at
		 FROM service_costs ORDER BY service_type ASC, scene ASC`,
	).Scan(&costs).Error
	if err != nil {
		return nil, err
	}
	return costs, nil
}
