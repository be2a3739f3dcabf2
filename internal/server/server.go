package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/muselabs/muse/internal/audit"
	auditdomain "github.com/muselabs/muse/internal/audit/domain"
	"github.com/muselabs/muse/internal/cache"
	"github.com/muselabs/muse/internal/config"
	"github.com/muselabs/muse/internal/generation"
	generationdomain "github.com/muselabs/muse/internal/generation/domain"
	"github.com/muselabs/muse/internal/observability"
	obsmiddleware "github.com/muselabs/muse/internal/observability/logger"
	obsmetrics "github.com/muselabs/muse/internal/observability/metrics"
	obstracing "github.com/muselabs/muse/internal/observability/tracing"
	"github.com/muselabs/muse/internal/order"
	orderdomain "github.com/muselabs/muse/internal/order/domain"
	"github.com/muselabs/muse/internal/quota"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/muselabs/muse/internal/ratelimit"
	"github.com/muselabs/muse/internal/servicecost"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	config.Module,
	fx.Provide(registerGin),
	audit.Module,
	cache.Module,
	servicecost.Module,
	quota.Module,
	order.Module,
	generation.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	genID         *snowflake.Node
	quotaSvc      quotadomain.Service
	costSvc       servicecostdomain.Service
	orderSvc      orderdomain.Service
	generationSvc generationdomain.Service
	auditSvc      auditdomain.Service
	obsMetrics    *obsmetrics.Metrics
	genLimiter    *ratelimit.GenerationLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	GenID         *snowflake.Node
	QuotaSvc      quotadomain.Service
	CostSvc       servicecostdomain.Service
	OrderSvc      orderdomain.Service
	GenerationSvc generationdomain.Service
	AuditSvc      auditdomain.Service
	ObsMetrics    *obsmetrics.Metrics          `optional:"true"`
	GenLimiter    *ratelimit.GenerationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		genID:         p.GenID,
		quotaSvc:      p.QuotaSvc,
		costSvc:       p.CostSvc,
		orderSvc:      p.OrderSvc,
		generationSvc: p.GenerationSvc,
		auditSvc:      p.AuditSvc,
		obsMetrics:    p.ObsMetrics,
		genLimiter:    p.GenLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1")

	userQuota := v1.Group("/users/:user_id/quota")
	userQuota.GET("/overview", s.GetQuotaOverview)
	userQuota.GET("/remaining", s.GetQuotaRemaining)
	userQuota.GET("/can-consume", s.CanConsumeQuota)
	userQuota.GET("/transactions", s.ListQuotaTransactions)

	generations := v1.Group("/generations")
	generations.POST("", s.GenerationRateLimit(), s.CreateGeneration)
	generations.GET("/:id", s.GetGeneration)
	generations.POST("/:id/fail", s.FailGeneration)
	generations.POST("/:id/complete", s.CompleteGeneration)
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/v1/webhooks")
	webhooks.POST("/payment", s.HandlePaymentWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin")

	admin.POST("/quota/grants", s.AdminGrantQuota)
	admin.POST("/quota/sweep-expired", s.AdminSweepExpired)

	admin.POST("/orders", s.AdminCreateOrder)
	admin.POST("/subscriptions", s.AdminCreateSubscription)
	admin.POST("/subscriptions/:subscription_no/renew", s.AdminRenewSubscription)

	admin.POST("/service-costs", s.AdminUpsertServiceCost)
	admin.GET("/service-costs", s.AdminListServiceCosts)
	admin.POST("/service-costs/invalidate", s.AdminInvalidateServiceCost)

	admin.GET("/audit-logs", s.AdminListAuditLogs)
}
