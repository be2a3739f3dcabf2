package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/muselabs/muse/internal/cache"
	"github.com/muselabs/muse/internal/clock"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	quotarepo "github.com/muselabs/muse/internal/quota/repository"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	costrepo "github.com/muselabs/muse/internal/servicecost/repository"
	costservice "github.com/muselabs/muse/internal/servicecost/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openLedgerDB(t *testing.T) *gorm.DB {
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
	if err := db.AutoMigrate(&quotadomain.QuotaTransaction{}, &servicecostdomain.ServiceCost{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func setupQuotaService(t *testing.T, clk clock.Clock) (quotadomain.Service, servicecostdomain.Service, *gorm.DB) {
	t.Helper()
	db := openLedgerDB(t)
	svc, costs := buildQuotaService(t, db, clk, quotarepo.Provide())
	return svc, costs, db
}

func buildQuotaService(t *testing.T, db *gorm.DB, clk clock.Clock, repo quotadomain.Repository) (quotadomain.Service, servicecostdomain.Service) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}

	costs := costservice.NewService(costservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  costrepo.Provide(),
		Costs: cache.NewCostCache(time.Minute, cache.WithClock(clk)),
	})
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repo,
		Costs: costs,
	})
	return svc, costs
}

func seedCost(t *testing.T, costs servicecostdomain.Service, serviceType, scene, dollarCost string, unitCost int64) {
	t.Helper()
	_, err := costs.Upsert(context.Background(), servicecostdomain.UpsertRequest{
		ServiceType: serviceType,
		Scene:       scene,
		DollarCost:  decimal.RequireFromString(dollarCost),
		UnitCost:    decimal.NewFromInt(unitCost),
	})
	if err != nil {
		t.Fatalf("seed cost: %v", err)
	}
}

func mustGrant(t *testing.T, svc quotadomain.Service, req quotadomain.GrantRequest) *quotadomain.QuotaTransaction {
	t.Helper()
	grant, err := svc.Grant(context.Background(), req)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return grant
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "want %s, got %s", want, got)
}

func TestGrant_Validation(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)
	ctx := context.Background()

	valid := quotadomain.GrantRequest{
		UserID:          snowflake.ID(42),
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(10),
		Scene:           quotadomain.SceneTrial,
	}

	cases := []struct {
		name    string
		mutate  func(*quotadomain.GrantRequest)
		wantErr error
	}{
		{"zero user", func(r *quotadomain.GrantRequest) { r.UserID = 0 }, quotadomain.ErrInvalidUser},
		{"zero amount", func(r *quotadomain.GrantRequest) { r.Amount = decimal.Zero }, quotadomain.ErrInvalidAmount},
		{"negative amount", func(r *quotadomain.GrantRequest) { r.Amount = decimal.NewFromInt(-1) }, quotadomain.ErrInvalidAmount},
		{"bad pool", func(r *quotadomain.GrantRequest) { r.PoolType = "BONUS" }, quotadomain.ErrInvalidPoolType},
		{"bad measurement", func(r *quotadomain.GrantRequest) { r.MeasurementType = "TOKENS" }, quotadomain.ErrInvalidMeasurementType},
		{"empty scene", func(r *quotadomain.GrantRequest) { r.Scene = "  " }, quotadomain.ErrInvalidScene},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := svc.Grant(ctx, req)
			assert.True(t, errors.Is(err, tc.wantErr), "want %v, got %v", tc.wantErr, err)
		})
	}

	grant, err := svc.Grant(ctx, valid)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.TransactionGrant, grant.TransactionType)
	assert.Equal(t, quotadomain.StatusActive, grant.Status)
	assert.True(t, strings.HasPrefix(grant.TransactionNo, "TXN-"), "transaction no %q", grant.TransactionNo)
	assertDecimal(t, "10", grant.RemainingAmount)
}

func TestGrant_ExpiryResolution(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc, _, _ := setupQuotaService(t, clk)

	periodEnd := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	base := quotadomain.GrantRequest{
		UserID:          snowflake.ID(7),
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(5),
		Scene:           quotadomain.SceneSubscription,
	}

	// A billing period end wins even when valid days are also set.
	req := base
	req.CurrentPeriodEnd = &periodEnd
	req.ValidDays = 3
	grant := mustGrant(t, svc, req)
	if assert.NotNil(t, grant.ExpiresAt) {
		assert.True(t, grant.ExpiresAt.Equal(periodEnd), "want %s, got %s", periodEnd, grant.ExpiresAt)
	}

	req = base
	req.ValidDays = 30
	grant = mustGrant(t, svc, req)
	if assert.NotNil(t, grant.ExpiresAt) {
		assert.True(t, grant.ExpiresAt.Equal(now.AddDate(0, 0, 30)))
	}

	grant = mustGrant(t, svc, base)
	assert.Nil(t, grant.ExpiresAt)
}

func TestConsume_PoolPriorityOrder(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(100)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	for _, pool := range quotadomain.PoolPriority {
		mustGrant(t, svc, quotadomain.GrantRequest{
			UserID:          user,
			PoolType:        pool,
			MeasurementType: quotadomain.MeasurementUnit,
			Amount:          decimal.NewFromInt(5),
			Scene:           quotadomain.SceneGift,
		})
	}

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.PoolTrial, result.PoolType)
	assertDecimal(t, "1", result.CostAmount)

	trial := quotadomain.PoolTrial
	remaining, err := svc.Remaining(ctx, user, &trial)
	assert.NoError(t, err)
	assertDecimal(t, "4", remaining)

	for _, pool := range []quotadomain.PoolType{quotadomain.PoolSubscription, quotadomain.PoolPayGo} {
		p := pool
		remaining, err := svc.Remaining(ctx, user, &p)
		assert.NoError(t, err)
		assertDecimal(t, "5", remaining)
	}
}

func TestConsume_FIFOSpillsAcrossGrants(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(101)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	// Later-expiring grant inserted first; FIFO must still spend the
	// sooner-expiring one before touching it.
	later := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(10),
		ValidDays:       60,
		Scene:           quotadomain.ScenePurchase,
	})
	sooner := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.03"),
		ValidDays:       10,
		Scene:           quotadomain.ScenePurchase,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)
	assertDecimal(t, "0.04", result.CostAmount)

	if assert.Len(t, result.ConsumedDetail, 2) {
		first, second := result.ConsumedDetail[0], result.ConsumedDetail[1]
		assert.Equal(t, sooner.ID, first.GrantID)
		assertDecimal(t, "0.03", first.Amount)
		assertDecimal(t, "0.03", first.AmountBefore)
		assertDecimal(t, "0", first.AmountAfter)

		assert.Equal(t, later.ID, second.GrantID)
		assertDecimal(t, "0.01", second.Amount)
		assertDecimal(t, "10", second.AmountBefore)
		assertDecimal(t, "9.99", second.AmountAfter)
	}

	remaining, err := svc.Remaining(ctx, user, nil)
	assert.NoError(t, err)
	assertDecimal(t, "9.99", remaining)
}

func TestConsume_NeverExpiringGrantsSpendLast(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(102)

	seedCost(t, costs, "ai-chat", servicecostdomain.WildcardScene, "0.01", 1)

	perpetual := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(5),
		Scene:           quotadomain.ScenePurchase,
	})
	expiring := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(5),
		ValidDays:       5,
		Scene:           quotadomain.ScenePurchase,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-chat"})
	assert.NoError(t, err)
	if assert.Len(t, result.ConsumedDetail, 1) {
		assert.Equal(t, expiring.ID, result.ConsumedDetail[0].GrantID)
	}

	refreshed, err := svc.Get(ctx, perpetual.ID)
	assert.NoError(t, err)
	assertDecimal(t, "5", refreshed.RemainingAmount)
}

func TestConsume_ShortPoolSkippedWithoutSplitting(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(103)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	trial := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.02"),
		Scene:           quotadomain.SceneTrial,
	})
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(10),
		Scene:           quotadomain.SceneSubscription,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.PoolSubscription, result.PoolType)

	// The short trial balance is left whole, not partially drained.
	refreshed, err := svc.Get(ctx, trial.ID)
	assert.NoError(t, err)
	assertDecimal(t, "0.02", refreshed.RemainingAmount)

	subscription := quotadomain.PoolSubscription
	remaining, err := svc.Remaining(ctx, user, &subscription)
	assert.NoError(t, err)
	assertDecimal(t, "9.96", remaining)
}

func TestConsume_MeasurementPickedPerPool(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(104)

	seedCost(t, costs, "ai-video", servicecostdomain.WildcardScene, "0.50", 2)

	// Dollar-denominated trial cannot cover the dollar cost; the unit
	// subscription pool pays the unit cost instead.
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.10"),
		Scene:           quotadomain.SceneTrial,
	})
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(3),
		Scene:           quotadomain.SceneSubscription,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-video"})
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.PoolSubscription, result.PoolType)
	assert.Equal(t, quotadomain.MeasurementUnit, result.MeasurementType)
	assertDecimal(t, "2", result.CostAmount)
}

func TestConsume_InsufficientEverywhere(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, db := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(105)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	grant := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.01"),
		Scene:           quotadomain.SceneTrial,
	})

	_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.True(t, errors.Is(err, quotadomain.ErrInsufficientQuota), "got %v", err)

	refreshed, err := svc.Get(ctx, grant.ID)
	assert.NoError(t, err)
	assertDecimal(t, "0.01", refreshed.RemainingAmount)

	var consumes int64
	err = db.Model(&quotadomain.QuotaTransaction{}).
		Where("user_id = ? AND transaction_type = ?", user, quotadomain.TransactionConsume).
		Count(&consumes).Error
	assert.NoError(t, err)
	assert.Zero(t, consumes)
}

func TestConsume_ExpiredGrantIneligible(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(106)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(5),
		ValidDays:       1,
		Scene:           quotadomain.SceneTrial,
	})

	clk.Advance(48 * time.Hour)

	_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.True(t, errors.Is(err, quotadomain.ErrInsufficientQuota), "got %v", err)
}

func TestConsume_CostNotConfigured(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)

	_, err := svc.Consume(context.Background(), quotadomain.ConsumeRequest{
		UserID:      snowflake.ID(107),
		ServiceType: "ai-image",
	})
	assert.True(t, errors.Is(err, quotadomain.ErrCostNotConfigured), "got %v", err)
}

func TestConsume_WritesConsumeRow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(108)

	seedCost(t, costs, "ai-image", "avatar", "0.10", 2)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(1),
		Scene:           quotadomain.ScenePurchase,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{
		UserID:      user,
		ServiceType: "ai-image",
		Scene:       "avatar",
		Metadata:    map[string]any{"prompt_id": "p-1"},
	})
	assert.NoError(t, err)

	row, err := svc.Get(ctx, result.QuotaID)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.TransactionConsume, row.TransactionType)
	assert.Equal(t, quotadomain.StatusActive, row.Status)
	assert.Equal(t, "ai-image", row.TransactionScene)
	assert.True(t, strings.HasPrefix(row.TransactionNo, "TXN-"))
	assertDecimal(t, "-0.10", row.Amount)
	assertDecimal(t, "0", row.RemainingAmount)
	assert.Equal(t, "avatar", row.Metadata["scene"])
	assert.Equal(t, "p-1", row.Metadata["prompt_id"])
	if assert.Len(t, row.ConsumedDetail, 1) {
		assertDecimal(t, "0.10", row.ConsumedDetail[0].Amount)
		assert.Equal(t, 1, row.ConsumedDetail[0].BatchNo)
	}
}

func TestConsume_DrainSpansBatches(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(109)

	seedCost(t, costs, "ai-video", servicecostdomain.WildcardScene, "1", 52)

	for i := 0; i < 55; i++ {
		mustGrant(t, svc, quotadomain.GrantRequest{
			UserID:          user,
			PoolType:        quotadomain.PoolPayGo,
			MeasurementType: quotadomain.MeasurementUnit,
			Amount:          decimal.NewFromInt(1),
			Scene:           quotadomain.SceneGift,
		})
	}

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-video"})
	assert.NoError(t, err)
	if assert.Len(t, result.ConsumedDetail, 52) {
		assert.Equal(t, 1, result.ConsumedDetail[0].BatchNo)
		assert.Equal(t, 2, result.ConsumedDetail[51].BatchNo)
	}

	remaining, err := svc.Remaining(ctx, user, nil)
	assert.NoError(t, err)
	assertDecimal(t, "3", remaining)
}

// racingLedgerRepo simulates a concurrent consumer draining the pool between
// the balance gate and the locked walk: the first locked fetch yields a
// single row, every later one comes back empty.
type racingLedgerRepo struct {
	quotadomain.Repository
	lockedFetches int
}

func (r *racingLedgerRepo) FindEligibleGrants(ctx context.Context, db *gorm.DB, filter quotadomain.GrantFilter) ([]quotadomain.QuotaTransaction, error) {
	if !filter.ForUpdate {
		return r.Repository.FindEligibleGrants(ctx, db, filter)
	}
	r.lockedFetches++
	if r.lockedFetches > 1 {
		return nil, nil
	}
	rows, err := r.Repository.FindEligibleGrants(ctx, db, filter)
	if err != nil || len(rows) == 0 {
		return rows, err
	}
	return rows[:1], nil
}

func TestConsume_BalanceRaceAbortsWholeAttempt(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	db := openLedgerDB(t)
	repo := &racingLedgerRepo{Repository: quotarepo.Provide()}
	svc, costs := buildQuotaService(t, db, clk, repo)
	ctx := context.Background()
	user := snowflake.ID(110)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 2)

	first := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(1),
		ValidDays:       5,
		Scene:           quotadomain.SceneTrial,
	})
	second := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(1),
		ValidDays:       10,
		Scene:           quotadomain.SceneTrial,
	})

	_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.True(t, errors.Is(err, quotadomain.ErrQuotaRaceCondition), "got %v", err)

	// The partial drain of the first grant rolled back with the attempt.
	for _, id := range []snowflake.ID{first.ID, second.ID} {
		row, err := svc.Get(ctx, id)
		assert.NoError(t, err)
		assertDecimal(t, "1", row.RemainingAmount)
	}

	var consumes int64
	err = db.Model(&quotadomain.QuotaTransaction{}).
		Where("user_id = ? AND transaction_type = ?", user, quotadomain.TransactionConsume).
		Count(&consumes).Error
	assert.NoError(t, err)
	assert.Zero(t, consumes)
}

func TestCanConsume(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(111)

	assert.False(t, svc.CanConsume(ctx, user, "ai-image", ""), "no cost configured")

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)
	assert.False(t, svc.CanConsume(ctx, user, "ai-image", ""), "no balance")

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.02"),
		Scene:           quotadomain.SceneTrial,
	})
	assert.False(t, svc.CanConsume(ctx, user, "ai-image", ""), "trial short")

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(1),
		Scene:           quotadomain.ScenePurchase,
	})
	assert.True(t, svc.CanConsume(ctx, user, "ai-image", ""))

	assert.False(t, svc.CanConsume(ctx, 0, "ai-image", ""))
}

func TestRefund_RestoresManifestExactly(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(112)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	first := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.RequireFromString("0.03"),
		ValidDays:       10,
		Scene:           quotadomain.ScenePurchase,
	})
	second := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(10),
		ValidDays:       60,
		Scene:           quotadomain.ScenePurchase,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)

	assert.NoError(t, svc.Refund(ctx, result.QuotaID))

	firstRow, err := svc.Get(ctx, first.ID)
	assert.NoError(t, err)
	assertDecimal(t, "0.03", firstRow.RemainingAmount)

	secondRow, err := svc.Get(ctx, second.ID)
	assert.NoError(t, err)
	assertDecimal(t, "10", secondRow.RemainingAmount)

	consumeRow, err := svc.Get(ctx, result.QuotaID)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.StatusDeleted, consumeRow.Status)
}

func TestRefund_Idempotent(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(113)

	seedCost(t, costs, "ai-chat", servicecostdomain.WildcardScene, "0.01", 1)

	grant := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(3),
		Scene:           quotadomain.SceneTrial,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-chat"})
	assert.NoError(t, err)

	assert.NoError(t, svc.Refund(ctx, result.QuotaID))
	assert.NoError(t, svc.Refund(ctx, result.QuotaID))

	row, err := svc.Get(ctx, grant.ID)
	assert.NoError(t, err)
	assertDecimal(t, "3", row.RemainingAmount)

	// Refunding a grant row or an unknown id is likewise a no-op.
	assert.NoError(t, svc.Refund(ctx, grant.ID))
	assert.NoError(t, svc.Refund(ctx, snowflake.ID(987654)))
}

func TestRefund_RestoresOntoExpiredGrant(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(114)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	grant := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(1),
		ValidDays:       1,
		Scene:           quotadomain.SceneSubscription,
	})

	result, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)

	clk.Advance(48 * time.Hour)
	swept, err := svc.SweepExpired(ctx, clk.Now())
	assert.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	// The manifest is restored verbatim even though the grant expired;
	// the balance comes back but stays unspendable.
	assert.NoError(t, svc.Refund(ctx, result.QuotaID))

	row, err := svc.Get(ctx, grant.ID)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.StatusExpired, row.Status)
	assertDecimal(t, "1", row.RemainingAmount)

	remaining, err := svc.Remaining(ctx, user, nil)
	assert.NoError(t, err)
	assertDecimal(t, "0", remaining)
}

func TestOverview(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(115)

	seedCost(t, costs, "ai-image", servicecostdomain.WildcardScene, "0.04", 1)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(10),
		Scene:           quotadomain.SceneTrial,
	})
	soonest := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(5),
		ValidDays:       30,
		Scene:           quotadomain.SceneSubscription,
	})
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolSubscription,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(5),
		ValidDays:       60,
		Scene:           quotadomain.SceneRenewal,
	})

	_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-image"})
	assert.NoError(t, err)

	overview, err := svc.Overview(ctx, user)
	assert.NoError(t, err)

	if assert.NotNil(t, overview.Trial) {
		assertDecimal(t, "10", overview.Trial.TotalGranted)
		assertDecimal(t, "1", overview.Trial.TotalConsumed)
		assertDecimal(t, "9", overview.Trial.Remaining)
		assert.Nil(t, overview.Trial.EarliestExpiry, "perpetual grants carry no expiry signal")
	}
	if assert.NotNil(t, overview.Subscription) {
		assertDecimal(t, "10", overview.Subscription.TotalGranted)
		assertDecimal(t, "0", overview.Subscription.TotalConsumed)
		assertDecimal(t, "10", overview.Subscription.Remaining)
		if assert.NotNil(t, overview.Subscription.EarliestExpiry) {
			assert.True(t, overview.Subscription.EarliestExpiry.Equal(*soonest.ExpiresAt))
		}
	}
	assert.Nil(t, overview.PayGo, "pool never held")
}

func TestOverview_DrainedGrantStillCounts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(116)

	seedCost(t, costs, "ai-video", servicecostdomain.WildcardScene, "1", 1)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementDollar,
		Amount:          decimal.NewFromInt(2),
		ValidDays:       10,
		Scene:           quotadomain.ScenePurchase,
	})
	for i := 0; i < 2; i++ {
		_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-video"})
		assert.NoError(t, err)
	}

	overview, err := svc.Overview(ctx, user)
	assert.NoError(t, err)
	if assert.NotNil(t, overview.PayGo) {
		assertDecimal(t, "2", overview.PayGo.TotalGranted)
		assertDecimal(t, "2", overview.PayGo.TotalConsumed)
		assertDecimal(t, "0", overview.PayGo.Remaining)
		assert.Nil(t, overview.PayGo.EarliestExpiry, "drained rows carry no expiry signal")
	}
}

func TestOverview_ExpiredGrantDropsFromTotals(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(117)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(10),
		ValidDays:       1,
		Scene:           quotadomain.SceneTrial,
	})

	clk.Advance(48 * time.Hour)

	overview, err := svc.Overview(ctx, user)
	assert.NoError(t, err)
	assert.Nil(t, overview.Trial, "expired-out pool reports as never held")

	_, err = svc.Overview(ctx, 0)
	assert.True(t, errors.Is(err, quotadomain.ErrInvalidUser))
}

func TestSweepExpired(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(118)

	overdue := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(5),
		ValidDays:       1,
		Scene:           quotadomain.SceneTrial,
	})
	perpetual := mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(5),
		Scene:           quotadomain.ScenePurchase,
	})

	clk.Advance(48 * time.Hour)

	swept, err := svc.SweepExpired(ctx, clk.Now())
	assert.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	row, err := svc.Get(ctx, overdue.ID)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.StatusExpired, row.Status)

	row, err = svc.Get(ctx, perpetual.ID)
	assert.NoError(t, err)
	assert.Equal(t, quotadomain.StatusActive, row.Status)

	swept, err = svc.SweepExpired(ctx, clk.Now())
	assert.NoError(t, err)
	assert.Zero(t, swept)
}

func TestGet_NotFound(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)

	_, err := svc.Get(context.Background(), snowflake.ID(424242))
	assert.True(t, errors.Is(err, quotadomain.ErrTransactionNotFound), "got %v", err)
}

func TestListTransactions_Pagination(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(119)

	var newest snowflake.ID
	for i := 0; i < 7; i++ {
		grant := mustGrant(t, svc, quotadomain.GrantRequest{
			UserID:          user,
			PoolType:        quotadomain.PoolPayGo,
			MeasurementType: quotadomain.MeasurementUnit,
			Amount:          decimal.NewFromInt(int64(i + 1)),
			Scene:           quotadomain.ScenePurchase,
		})
		newest = grant.ID
	}

	req := quotadomain.ListTransactionsRequest{UserID: user}
	req.PageSize = 3

	page1, err := svc.ListTransactions(ctx, req)
	assert.NoError(t, err)
	assert.Len(t, page1.Transactions, 3)
	assert.True(t, page1.HasMore)
	assert.Equal(t, newest, page1.Transactions[0].ID, "newest first")

	req.PageToken = page1.NextPageToken
	page2, err := svc.ListTransactions(ctx, req)
	assert.NoError(t, err)
	assert.Len(t, page2.Transactions, 3)
	assert.True(t, page2.HasMore)

	req.PageToken = page2.NextPageToken
	page3, err := svc.ListTransactions(ctx, req)
	assert.NoError(t, err)
	assert.Len(t, page3.Transactions, 1)
	assert.False(t, page3.HasMore)

	seen := map[snowflake.ID]bool{}
	for _, page := range []quotadomain.ListTransactionsResponse{page1, page2, page3} {
		for _, tx := range page.Transactions {
			assert.False(t, seen[tx.ID], "transaction %d repeated across pages", tx.ID)
			seen[tx.ID] = true
		}
	}
	assert.Len(t, seen, 7)
}

func TestListTransactions_FiltersAndBadToken(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, costs, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(120)

	seedCost(t, costs, "ai-chat", servicecostdomain.WildcardScene, "0.01", 1)
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(5),
		Scene:           quotadomain.SceneTrial,
	})
	_, err := svc.Consume(ctx, quotadomain.ConsumeRequest{UserID: user, ServiceType: "ai-chat"})
	assert.NoError(t, err)

	req := quotadomain.ListTransactionsRequest{UserID: user, TransactionType: quotadomain.TransactionConsume}
	resp, err := svc.ListTransactions(ctx, req)
	assert.NoError(t, err)
	if assert.Len(t, resp.Transactions, 1) {
		assert.Equal(t, quotadomain.TransactionConsume, resp.Transactions[0].TransactionType)
	}

	bad := quotadomain.ListTransactionsRequest{UserID: user}
	bad.PageToken = "not-a-cursor"
	_, err = svc.ListTransactions(ctx, bad)
	assert.True(t, errors.Is(err, quotadomain.ErrInvalidPageToken), "got %v", err)

	_, err = svc.ListTransactions(ctx, quotadomain.ListTransactionsRequest{UserID: user, PoolType: "BONUS"})
	assert.True(t, errors.Is(err, quotadomain.ErrInvalidPoolType), "got %v", err)
}

func TestRemaining_PoolScoped(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	svc, _, _ := setupQuotaService(t, clk)
	ctx := context.Background()
	user := snowflake.ID(121)

	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolTrial,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(3),
		Scene:           quotadomain.SceneTrial,
	})
	mustGrant(t, svc, quotadomain.GrantRequest{
		UserID:          user,
		PoolType:        quotadomain.PoolPayGo,
		MeasurementType: quotadomain.MeasurementUnit,
		Amount:          decimal.NewFromInt(4),
		Scene:           quotadomain.ScenePurchase,
	})

	total, err := svc.Remaining(ctx, user, nil)
	assert.NoError(t, err)
	assertDecimal(t, "7", total)

	trial := quotadomain.PoolTrial
	scoped, err := svc.Remaining(ctx, user, &trial)
	assert.NoError(t, err)
	assertDecimal(t, "3", scoped)

	bad := quotadomain.PoolType("BONUS")
	_, err = svc.Remaining(ctx, user, &bad)
	assert.True(t, errors.Is(err, quotadomain.ErrInvalidPoolType))
}
