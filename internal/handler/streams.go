package handler

import (
	"context"
	"errors"
	"net/http"

	"alfalyzer/internal/quota"
	"alfalyzer/internal/stream"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// ListStreams godoc
// @Summary      Streaming connection health
// @Description  Returns every streaming source with its state and metrics, plus the aggregate health score
// @Tags         streams
// @Produce      json
// @Success      200  {object}  stream.HealthReport
// @Failure      503  {object}  map[string]string
// @Router       /api/streams [get]
func (h *Handler) ListStreams(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.list-streams")
	defer span.End()

	if h.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming is not configured"})
		return
	}
	c.JSON(http.StatusOK, h.health.Report())
}

// StreamAction godoc
// @Summary      Control a streaming source
// @Description  Runs connect, disconnect, pause or resume against one source
// @Tags         streams
// @Produce      json
// @Security     ApiKeyAuth
// @Param        source  path  string  true  "Source id"
// @Param        action  path  string  true  "connect | disconnect | pause | resume"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      409  {object}  map[string]string
// @Router       /api/streams/{source}/{action} [post]
func (h *Handler) StreamAction(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.stream-action")
	defer span.End()

	source := c.Param("source")
	action := c.Param("action")
	span.SetAttributes(attribute.String("source", source), attribute.String("action", action))

	if h.streams == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "streaming is not configured"})
		return
	}

	var run func(context.Context, string) error
	switch action {
	case "connect":
		run = h.streams.Connect
	case "disconnect":
		run = h.streams.Disconnect
	case "pause":
		run = h.streams.Pause
	case "resume":
		run = h.streams.Resume
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action: " + action})
		return
	}

	if err := run(ctx, source); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, stream.ErrUnknownSource):
			status = http.StatusNotFound
		case errors.Is(err, stream.ErrInvalidTransition):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": source, "action": action, "status": "ok"})
}

// ResetQuota godoc
// @Summary      Reset a provider's quota counters
// @Tags         quota
// @Produce      json
// @Security     ApiKeyAuth
// @Param        provider  path  string  true  "Provider id"
// @Success      200  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Router       /api/quota/{provider}/reset [post]
func (h *Handler) ResetQuota(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.reset-quota")
	defer span.End()

	provider := c.Param("provider")
	span.SetAttributes(attribute.String("provider", provider))

	if err := h.quota.Reset(ctx, provider); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, quota.ErrUnknownProvider) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": provider, "status": "reset"})
}
