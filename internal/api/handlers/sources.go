package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
	"github.com/Hikari-project/FD-Reid/internal/models"
	"github.com/Hikari-project/FD-Reid/pkg/dto"
)

// Controller delivers a control command to the workers and returns their
// reply.
type Controller interface {
	SendControl(ctx context.Context, cmd models.ControlCommand) (models.ControlReply, error)
}

type SourceHandler struct {
	control Controller
}

func NewSourceHandler(control Controller) *SourceHandler {
	return &SourceHandler{control: control}
}

func (h *SourceHandler) Start(c *gin.Context) {
	var req dto.StartSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := models.ControlCommand{
		Action:   models.ControlStart,
		SourceID: req.ID,
		URL:      req.URL,
		FPS:      req.FPS,
	}
	if req.Zone != nil {
		zone := zoneConfig(req.Zone)
		if err := zone.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cmd.Zone = &zone
	}

	if !h.send(c, cmd) {
		return
	}
	c.JSON(http.StatusAccepted, dto.SourceActionResponse{ID: req.ID, Status: string(models.SourceStatusStarting)})
}

func (h *SourceHandler) Stop(c *gin.Context) {
	id := c.Param("id")
	if !h.send(c, models.ControlCommand{Action: models.ControlStop, SourceID: id}) {
		return
	}
	c.JSON(http.StatusOK, dto.SourceActionResponse{ID: id, Status: string(models.SourceStatusStopped)})
}

// SetZone replaces the zone of a running source.
func (h *SourceHandler) SetZone(c *gin.Context) {
	var req dto.ZoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zone := zoneConfig(&req)
	if err := zone.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := c.Param("id")
	if !h.send(c, models.ControlCommand{Action: models.ControlZone, SourceID: id, Zone: &zone}) {
		return
	}
	c.JSON(http.StatusOK, dto.SourceActionResponse{ID: id, Status: string(models.SourceStatusRunning)})
}

// send forwards cmd and writes the error response when it fails.
func (h *SourceHandler) send(c *gin.Context, cmd models.ControlCommand) bool {
	reply, err := h.control.SendControl(c.Request.Context(), cmd)
	if err != nil {
		slog.Error("send control command", "action", cmd.Action, "source", cmd.SourceID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no worker available"})
		return false
	}
	if reply.OK {
		return true
	}
	c.JSON(replyStatus(reply.Code), gin.H{"error": reply.Error})
	return false
}

func replyStatus(code string) int {
	switch code {
	case models.ReplyBadRequest:
		return http.StatusBadRequest
	case models.ReplyNotFound:
		return http.StatusNotFound
	case models.ReplyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func zoneConfig(req *dto.ZoneRequest) geometry.ZoneConfig {
	return geometry.ZoneConfig{
		Entry:   req.B1,
		Pass1:   req.B2,
		Pass2:   req.G2,
		Polygon: req.Points,
	}
}

