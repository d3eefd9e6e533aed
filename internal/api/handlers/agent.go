package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// AgentHandler serves the device agent REST surface. All routes expect
// the DeviceAuth middleware to have resolved the calling device.
type AgentHandler struct {
	store    storage.Store
	resolver core.RulesResolver
	events   *push.Orchestrator
	clock    core.Clock
	logger   *slog.Logger
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(store storage.Store, resolver core.RulesResolver, events *push.Orchestrator, clock core.Clock, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		store:    store,
		resolver: resolver,
		events:   events,
		clock:    clock,
		logger:   logger,
	}
}

// Heartbeat records a liveness ping and refreshes last_seen
// POST /agent/heartbeat
func (h *AgentHandler) Heartbeat(c *gin.Context) {
	device := middleware.GetDevice(c)

	var req struct {
		Timestamp string `json:"timestamp" binding:"required"`
		ActiveApp string `json:"active_app"`
		SafeMode  bool   `json:"safe_mode"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	now := h.clock.Now().UTC()
	if err := h.store.UpdateDeviceLastSeen(c.Request.Context(), device.ID, now); err != nil {
		h.logger.Error("Failed to update device last seen",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	if req.SafeMode {
		h.logger.Warn("Device heartbeat reports safe mode",
			"component", "api",
			"device_id", device.ID,
			"active_app", req.ActiveApp,
		)
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"server_time": now.Format(time.RFC3339),
	})
}

// ReportUsage records one usage event from the device
// POST /agent/usage-event
func (h *AgentHandler) ReportUsage(c *gin.Context) {
	device := middleware.GetDevice(c)

	var req struct {
		AppPackage      string     `json:"app_package"`
		AppGroupID      string     `json:"app_group_id"`
		EventType       string     `json:"event_type" binding:"required"`
		StartedAt       *time.Time `json:"started_at"`
		EndedAt         *time.Time `json:"ended_at"`
		DurationSeconds *int       `json:"duration_seconds"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	eventType := core.UsageEventType(req.EventType)
	switch eventType {
	case core.UsageEventStart, core.UsageEventStop, core.UsageEventBlocked, core.UsageEventUpdate:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown event type",
			"code":  "INVALID_EVENT_TYPE",
		})
		return
	}

	event := &core.UsageEvent{
		ID:              idgen.NewUsageEvent(),
		DeviceID:        device.ID,
		ChildID:         device.ChildID,
		AppPackage:      req.AppPackage,
		AppGroupID:      req.AppGroupID,
		EventType:       eventType,
		StartedAt:       req.StartedAt,
		EndedAt:         req.EndedAt,
		DurationSeconds: req.DurationSeconds,
	}

	if err := h.store.CreateUsageEvent(c.Request.Context(), event); err != nil {
		h.logger.Error("Failed to record usage event",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     event.ID,
		"status": "recorded",
	})
}

// CurrentRules returns the resolved ruleset for the calling device
// GET /agent/rules/current
func (h *AgentHandler) CurrentRules(c *gin.Context) {
	device := middleware.GetDevice(c)

	resolved, err := h.resolver.Resolve(c.Request.Context(), device.ID, false)
	if err != nil {
		h.logger.Error("Failed to resolve rules",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, resolved)
}

// TamperAlert forwards a tamper signal from the agent to the parents.
// Nothing is persisted; the alert is a parent notification.
// POST /agent/tamper-alert
func (h *AgentHandler) TamperAlert(c *gin.Context) {
	device := middleware.GetDevice(c)

	var req struct {
		Timestamp string `json:"timestamp"`
		Reason    string `json:"reason" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	child, err := h.store.GetUser(c.Request.Context(), device.ChildID)
	if err != nil {
		h.logger.Error("Failed to load device owner",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.logger.Warn("Tamper alert",
		"component", "api",
		"device_id", device.ID,
		"child_id", device.ChildID,
		"reason", req.Reason,
	)

	message := fmt.Sprintf("%s: %s", device.Name, req.Reason)
	h.events.NotifyParentEvent(c.Request.Context(), child.FamilyID,
		"Manipulationsverdacht", message, "tamper", device.ChildID)

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}
