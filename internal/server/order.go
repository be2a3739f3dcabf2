package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/muselabs/muse/internal/order/domain"
)

type paymentWebhookRequest struct {
	EventType      string     `json:"event_type"`
	OrderNo        string     `json:"order_no"`
	SubscriptionNo string     `json:"subscription_no"`
	PeriodStart    *time.Time `json:"period_start"`
	PeriodEnd      *time.Time `json:"period_end"`
}

// HandlePaymentWebhook settles orders and subscription renewals from
// provider events. Replayed events settle idempotently downstream, so the
// provider always gets a 200 back for a processed event.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	var req paymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	eventType := strings.ToLower(strings.TrimSpace(req.EventType))

	switch eventType {
	case "order.paid":
		if _, err := s.orderSvc.MarkOrderPaid(ctx, req.OrderNo); err != nil {
			AbortWithError(c, err)
			return
		}
	case "order.failed":
		if _, err := s.orderSvc.MarkOrderFailed(ctx, req.OrderNo); err != nil {
			AbortWithError(c, err)
			return
		}
	case "subscription.renewed":
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			AbortWithError(c, newValidationError("period_end", "invalid_period", "period_start and period_end are required"))
			return
		}
		if _, err := s.orderSvc.ApplySubscriptionRenewal(ctx, req.SubscriptionNo, *req.PeriodStart, *req.PeriodEnd); err != nil {
			AbortWithError(c, err)
			return
		}
	default:
		// Unrecognized events are acknowledged so the provider stops retrying.
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) AdminCreateOrder(c *gin.Context) {
	var req orderdomain.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.CreateOrder(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := order.OrderNo
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "order.create", "order", &targetID, map[string]any{
			"user_id":      order.UserID.String(),
			"amount":       order.Amount.String(),
			"grant_amount": order.GrantAmount.String(),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}

func (s *Server) AdminCreateSubscription(c *gin.Context) {
	var req orderdomain.CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscription, err := s.orderSvc.CreateSubscription(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := subscription.SubscriptionNo
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "subscription.create", "subscription", &targetID, map[string]any{
			"user_id":   subscription.UserID.String(),
			"plan_code": subscription.PlanCode,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": subscription})
}

type renewSubscriptionRequest struct {
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (s *Server) AdminRenewSubscription(c *gin.Context) {
	subscriptionNo := strings.TrimSpace(c.Param("subscription_no"))

	var req renewSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	grant, err := s.orderSvc.ApplySubscriptionRenewal(c.Request.Context(), subscriptionNo, req.PeriodStart, req.PeriodEnd)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.auditSvc != nil {
		targetID := grant.ID.String()
		_ = s.auditSvc.AuditLog(c.Request.Context(), "admin", nil, "subscription.renew", "quota_transaction", &targetID, map[string]any{
			"subscription_no": subscriptionNo,
			"period_end":      req.PeriodEnd.UTC().Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": grant})
}
