package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	quotadomain "github.com/muselabs/muse/internal/quota/domain"
	"github.com/muselabs/muse/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

func (s *Server) GetQuotaOverview(c *gin.Context) {
	userID, err := parseSnowflakeParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	overview, err := s.quotaSvc.Overview(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}

func (s *Server) GetQuotaRemaining(c *gin.Context) {
	userID, err := parseSnowflakeParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var poolType *quotadomain.PoolType
	if raw := strings.TrimSpace(c.Query("pool_type")); raw != "" {
		pool := quotadomain.PoolType(strings.ToUpper(raw))
		if !quotadomain.ValidPoolType(pool) {
			AbortWithError(c, newValidationError("pool_type", "invalid_pool_type", "invalid pool type"))
			return
		}
		poolType = &pool
	}

	remaining, err := s.quotaSvc.Remaining(c.Request.Context(), userID, poolType)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := gin.H{
		"user_id":   userID.String(),
		"remaining": remaining,
	}
	if poolType != nil {
		resp["pool_type"] = *poolType
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CanConsumeQuota(c *gin.Context) {
	userID, err := parseSnowflakeParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	serviceType := strings.TrimSpace(c.Query("service_type"))
	if serviceType == "" {
		AbortWithError(c, newValidationError("service_type", "invalid_service_type", "service_type is required"))
		return
	}
	scene := strings.TrimSpace(c.Query("scene"))

	allowed := s.quotaSvc.CanConsume(c.Request.Context(), userID, serviceType, scene)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_id":      userID.String(),
		"service_type": serviceType,
		"allowed":      allowed,
	}})
}

func (s *Server) ListQuotaTransactions(c *gin.Context) {
	userID, err := parseSnowflakeParam(c, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query struct {
		pagination.Pagination
		PoolType        string `form:"pool_type"`
		TransactionType string `form:"transaction_type"`
		Status          string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := quotadomain.ListTransactionsRequest{
		UserID:          userID,
		PoolType:        quotadomain.PoolType(strings.ToUpper(strings.TrimSpace(query.PoolType))),
		TransactionType: quotadomain.TransactionType(strings.ToUpper(strings.TrimSpace(query.TransactionType))),
		Status:          quotadomain.TransactionStatus(strings.ToUpper(strings.TrimSpace(query.Status))),
	}
	req.PageToken = query.PageToken
	req.PageSize = query.PageSize

	resp, err := s.quotaSvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adminGrantRequest struct {
	UserID           string          `json:"user_id"`
	PoolType         string          `json:"pool_type"`
	MeasurementType  string          `json:"measurement_type"`
	Amount           decimal.Decimal `json:"amount"`
	ValidDays        int             `json:"valid_days"`
	CurrentPeriodEnd *time.Time      `json:"current_period_end"`
	Scene            string          `json:"scene"`
	Description      string          `json:"description"`
	Metadata         map[string]any  `json:"metadata"`
}

func (s *Server) AdminGrantQuota(c *gin.Context) {
	var req adminGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID, err := parseSnowflakeString(req.UserID, "user_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	scene := strings.TrimSpace(req.Scene)
	if scene == "" {
		scene = quotadomain.SceneGift
	}

	grant, err := s.quotaSvc.Grant(c.Request.Context(), quotadomain.GrantRequest{
		UserID:           userID,
		PoolType:         quotadomain.PoolType(strings.ToUpper(strings.TrimSpace(req.PoolType))),
		MeasurementType:  quotadomain.MeasurementType(strings.ToUpper(strings.TrimSpace(req.MeasurementType))),
		Amount:           req.Amount,
		ValidDays:        req.ValidDays,
		CurrentPeriodEnd: req.CurrentPeriodEnd,
		Scene:            scene,
		Description:      strings.TrimSpace(req.Description),
		Metadata:         req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := grant.ID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "quota.grant", "quota_transaction", &targetID, map[string]any{
			"user_id":   userID.String(),
			"pool_type": string(grant.PoolType),
			"amount":    grant.Amount.String(),
			"scene":     scene,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": grant})
}

func (s *Server) AdminSweepExpired(c *gin.Context) {
	ctx := c.Request.Context()

	if s.genLimiter.Enabled() {
		token, ok, err := s.genLimiter.TryLockSweep(ctx)
		if err != nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !ok {
			AbortWithError(c, ErrConflict)
			return
		}
		defer func() {
			_ = s.genLimiter.ReleaseSweep(ctx, token)
		}()
	}

	expired, err := s.quotaSvc.SweepExpired(ctx, time.Time{})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(ctx, "admin", nil, "quota.sweep_expired", "quota_transaction", nil, map[string]any{
			"expired": expired,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"expired": expired}})
}
