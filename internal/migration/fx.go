package migration

import (
	auditdomain "github.com/muselabs/muse/internal/audit/domain"
	"github.com/muselabs/muse/internal/config"
	generationdomain "github.com/muselabs/muse/internal/generation/domain"
	orderdomain "github.com/muselabs/muse/internal/order/domain"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Versioned SQL targets postgres; local sqlite and mysql setups
			// derive the schema from the models instead.
			return conn.AutoMigrate(
				&quotadomain.QuotaTransaction{},
				&servicecostdomain.ServiceCost{},
				&orderdomain.Order{},
				&orderdomain.Subscription{},
				&generationdomain.GenerationTask{},
				&auditdomain.AuditLog{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
