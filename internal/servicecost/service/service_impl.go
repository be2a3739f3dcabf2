package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/cache"
	"github.com/muselabs/muse/internal/clock"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  servicecostdomain.Repository
	costs cache.CostCache
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  servicecostdomain.Repository
	Costs cache.CostCache
}

func NewService(p ServiceParam) servicecostdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("servicecost.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
		costs: p.Costs,
	}
}

// Resolve returns the active cost row for (serviceType, scene), falling back
// to the wildcard scene when no exact row exists. Results are cached under the
// requested key; staleness is bounded by the cache TTL and the Invalidate hook.
func (s *Service) Resolve(ctx context.Context, serviceType, scene string) (*servicecostdomain.ServiceCost, error) {
	serviceType = normalizeServiceType(serviceType)
	if serviceType == "" {
		return nil, servicecostdomain.ErrInvalidServiceType
	}
	scene = normalizeScene(scene)

	if cached, ok := s.costs.Get(ctx, serviceType, scene); ok {
		return &cached, nil
	}

	cost, err := s.repo.FindActive(ctx, s.db, serviceType, scene)
	if err != nil {
		return nil, err
	}
	if cost == nil && scene != servicecostdomain.WildcardScene {
		cost, err = s.repo.FindActive(ctx, s.db, serviceType, servicecostdomain.WildcardScene)
		if err != nil {
			return nil, err
		}
	}
	if cost == nil {
		return nil, servicecostdomain.ErrCostNotFound
	}

	s.costs.Set(ctx, serviceType, scene, *cost)
	return cost, nil
}

func (s *Service) Upsert(ctx context.Context, req servicecostdomain.UpsertRequest) (*servicecostdomain.ServiceCost, error) {
	serviceType := normalizeServiceType(req.ServiceType)
	if serviceType == "" {
		return nil, servicecostdomain.ErrInvalidServiceType
	}
	scene := normalizeScene(req.Scene)

	if req.DollarCost.IsNegative() || req.UnitCost.IsNegative() {
		return nil, servicecostdomain.ErrInvalidCost
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now()
	cost := &servicecostdomain.ServiceCost{
		ID:          s.genID.Generate(),
		ServiceType: serviceType,
		Scene:       scene,
		DollarCost:  req.DollarCost,
		UnitCost:    req.UnitCost,
		Active:      active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.repo.Upsert(ctx, s.db, cost); err != nil {
		return nil, err
	}

	// An update keeps the original row id, so re-read what was stored.
	stored, err := s.repo.Find(ctx, s.db, serviceType, scene)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		stored = cost
	}

	s.costs.Delete(ctx, serviceType, scene)

	s.log.Info("service cost upserted",
		zap.String("service_type", serviceType),
		zap.String("scene", scene),
		zap.String("dollar_cost", stored.DollarCost.String()),
		zap.String("unit_cost", stored.UnitCost.String()),
		zap.Bool("active", stored.Active),
	)

	return stored, nil
}

func (s *Service) List(ctx context.Context) ([]servicecostdomain.ServiceCost, error) {
	return s.repo.List(ctx, s.db)
}

// Invalidate drops the cached entry for (serviceType, scene). Entries resolved
// through the wildcard fallback under other scene keys age out by TTL.
func (s *Service) Invalidate(ctx context.Context, serviceType, scene string) {
	serviceType = normalizeServiceType(serviceType)
	if serviceType == "" {
		return
	}
	s.costs.Delete(ctx, serviceType, normalizeScene(scene))
}

func normalizeServiceType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func normalizeScene(raw string) string {
	scene := strings.ToLower(strings.TrimSpace(raw))
	if scene == "" {
		return servicecostdomain.WildcardScene
	}
	return scene
}
