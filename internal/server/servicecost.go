package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
)

func (s *Server) AdminUpsertServiceCost(c *gin.Context) {
	var req servicecostdomain.UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cost, err := s.costSvc.Upsert(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := cost.ServiceType + ":" + cost.Scene
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "service_cost.upsert", "service_cost", &targetID, map[string]any{
			"dollar_cost": cost.DollarCost.String(),
			"unit_cost":   cost.UnitCost.String(),
			"active":      cost.Active,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": cost})
}

func (s *Server) AdminListServiceCosts(c *gin.Context) {
	costs, err := s.costSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": costs})
}

type invalidateServiceCostRequest struct {
	ServiceType string `json:"service_type"`
	Scene       string `json:"scene"`
}

func (s *Server) AdminInvalidateServiceCost(c *gin.Context) {
	var req invalidateServiceCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	serviceType := strings.TrimSpace(req.ServiceType)
	if serviceType == "" {
		AbortWithError(c, newValidationError("service_type", "invalid_service_type", "service_type is required"))
		return
	}

	s.costSvc.Invalidate(c.Request.Context(), serviceType, strings.TrimSpace(req.Scene))

	if s.auditSvc != nil {
		targetID := serviceType + ":" + strings.TrimSpace(req.Scene)
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "service_cost.invalidate", "service_cost", &targetID, nil)
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
