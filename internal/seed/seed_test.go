package seed

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func openSeedDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := db.AutoMigrate(&servicecostdomain.ServiceCost{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestEnsureDefaultCosts(t *testing.T) {
	db := openSeedDB(t)

	assert.NoError(t, EnsureDefaultCosts(db))

	var count int64
	if err := db.Model(&servicecostdomain.ServiceCost{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	assert.Equal(t, int64(4), count)

	// Rerunning is a no-op.
	assert.NoError(t, EnsureDefaultCosts(db))
	if err := db.Model(&servicecostdomain.ServiceCost{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	assert.Equal(t, int64(4), count)
}

func TestEnsureDefaultCosts_KeepsOverrides(t *testing.T) {
	db := openSeedDB(t)
	assert.NoError(t, EnsureDefaultCosts(db))

	err := db.Model(&servicecostdomain.ServiceCost{}).
		Where("service_type = ?", "ai-image").
		Update("unit_cost", decimal.NewFromInt(9)).Error
	if err != nil {
		t.Fatalf("reprice: %v", err)
	}

	assert.NoError(t, EnsureDefaultCosts(db))

	var row servicecostdomain.ServiceCost
	if err := db.Where("service_type = ?", "ai-image").First(&row).Error; err != nil {
		t.Fatalf("find: %v", err)
	}
	assert.True(t, row.UnitCost.Equal(decimal.NewFromInt(9)), "override survived, got %s", row.UnitCost)
}
