package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/muselabs/muse/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestAdminUpsertServiceCost(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ts := setupServer(t, clk, nil)

	w := ts.request(t, http.MethodPost, "/v1/admin/service-costs", map[string]any{
		"service_type": "ai-video",
		"scene":        "hd",
		"dollar_cost":  "0.50",
		"unit_cost":    "50",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	data := decodeData(t, w)
	assert.Equal(t, "ai-video", data["service_type"])
	assert.Equal(t, "hd", data["scene"])
	assert.Equal(t, "50", data["unit_cost"])
	assert.Equal(t, true, data["active"])

	var auditCount int64
	if err := ts.db.Table("audit_logs").Where("action = ?", "service_cost.upsert").Count(&auditCount).Error; err != nil {
		t.Fatalf("count audit rows: %v", err)
	}
	assert.Equal(t, int64(1), auditCount)
}

func TestAdminUpsertServiceCost_Validation(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ts := setupServer(t, clk, nil)

	w := ts.request(t, http.MethodPost, "/v1/admin/service-costs", map[string]any{
		"scene":       "hd",
		"dollar_cost": "0.50",
		"unit_cost":   "50",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_service_type", errorCode(t, w))

	w = ts.request(t, http.MethodPost, "/v1/admin/service-costs", map[string]any{
		"service_type": "ai-video",
		"dollar_cost":  "0.50",
		"unit_cost":    "-1",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_cost", errorCode(t, w))
}

func TestAdminListServiceCosts(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ts := setupServer(t, clk, nil)

	ts.seedCost(t, "ai-image", "", "0.05", 5)
	ts.seedCost(t, "ai-video", "hd", "0.50", 50)

	w := ts.request(t, http.MethodGet, "/v1/admin/service-costs", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var envelope struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	assert.Len(t, envelope.Data, 2)
}

func TestAdminInvalidateServiceCost(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	ts := setupServer(t, clk, nil)

	ts.seedCost(t, "ai-image", "", "0.05", 5)

	w := ts.request(t, http.MethodPost, "/v1/admin/service-costs/invalidate", map[string]any{
		"service_type": "ai-image",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = ts.request(t, http.MethodPost, "/v1/admin/service-costs/invalidate", map[string]any{
		"scene": "hd",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_service_type", errorCode(t, w))
}
