// Package seed installs the default service cost rows so a fresh install can
// charge for the built-in generation services without manual configuration.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/config"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type defaultCost struct {
	serviceType string
	dollarCost  string
	unitCost    int64
}

var defaultCosts = []defaultCost{
	{serviceType: "ai-chat", dollarCost: "0.01", unitCost: 1},
	{serviceType: "ai-image", dollarCost: "0.05", unitCost: 5},
	{serviceType: "ai-music", dollarCost: "0.20", unitCost: 20},
	{serviceType: "ai-video", dollarCost: "0.50", unitCost: 50},
}

// EnsureDefaultCosts inserts the built-in wildcard cost rows when missing.
// Rows an operator already wrote are left untouched.
func EnsureDefaultCosts(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, c := range defaultCosts {
			if err := ensureCostTx(ctx, tx, node, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensureCostTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, c defaultCost) error {
	var existing servicecostdomain.ServiceCost
	err := tx.WithContext(ctx).
		Where("service_type = ? AND scene = ?", c.serviceType, servicecostdomain.WildcardScene).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	cost := servicecostdomain.ServiceCost{
		ID:          node.Generate(),
		ServiceType: c.serviceType,
		Scene:       servicecostdomain.WildcardScene,
		DollarCost:  decimal.RequireFromString(c.dollarCost),
		UnitCost:    decimal.NewFromInt(c.unitCost),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return tx.WithContext(ctx).Create(&cost).Error
}

// Module seeds the default costs on startup unless SEED_DEFAULT_COSTS is off.
var Module = fx.Module("seed",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.SeedDefaultCosts {
			return nil
		}
		if err := EnsureDefaultCosts(conn); err != nil {
			return err
		}
		log.Info("default service costs ensured", zap.Int("count", len(defaultCosts)))
		return nil
	}),
)
