package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/muselabs/muse/internal/observability/logger"
	"go.uber.org/zap"
)

type generationRateLimitKey struct {
	UserID string `json:"user_id"`
}

// GenerationRateLimit throttles task creation per user before the handler
// spends a quota transaction on it.
func (s *Server) GenerationRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.genLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()

		userID, err := readGenerationUserID(c)
		if err != nil {
			logger.FromContext(ctx).Warn("generation rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if userID == 0 {
			// Let the handler produce the proper validation error.
			c.Next()
			return
		}

		allowed, err := s.genLimiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("generation rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			logger.FromContext(ctx).Warn("generation rate limit exceeded",
				zap.String("user_id", userID.String()),
			)
			c.Header("Retry-After", "1")
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

func readGenerationUserID(c *gin.Context) (snowflake.ID, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return 0, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return 0, nil
	}

	var payload generationRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, nil
	}

	raw := strings.TrimSpace(payload.UserID)
	if raw == "" {
		return 0, nil
	}
	parsed, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, nil
	}
	return parsed, nil
}
