package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Health godoc
// @Summary      Health check
// @Description  Returns the liveness status of the service
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"server":    h.server,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// KVHealth godoc
// @Summary      Quota and usage introspection
// @Description  Returns per-provider quota windows, provider health, the cache backend and the inbound rate-limit policies
// @Tags         health
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /health/kv [get]
func (h *Handler) KVHealth(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.kv-health")
	defer span.End()

	status := h.data.GetQuotaStatus(ctx)
	resp := gin.H{
		"providers":     status.Providers,
		"cache_backend": status.CacheBackend,
		"cache_size":    status.CacheSize,
		"generated_at":  status.GeneratedAt,
	}
	if h.limiter != nil {
		resp["rate_limit_policies"] = h.limiter.Policies()
	}
	c.JSON(http.StatusOK, resp)
}
