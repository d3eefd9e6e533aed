package handlers

import (
	"log/slog"
	"net/http"
	"slices"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// CouplingsHandler handles device coupling requests
type CouplingsHandler struct {
	store  storage.Store
	events *push.Orchestrator
	logger *slog.Logger
}

// NewCouplingsHandler creates a new couplings handler
func NewCouplingsHandler(store storage.Store, events *push.Orchestrator, logger *slog.Logger) *CouplingsHandler {
	return &CouplingsHandler{
		store:  store,
		events: events,
		logger: logger,
	}
}

// SetCoupling creates or replaces the coupling of a child and pushes
// fresh rules. The device named in the route is always part of the set.
// PUT /children/:childID/devices/:deviceID/coupling
func (h *CouplingsHandler) SetCoupling(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	deviceID := c.Param("deviceID")
	device, err := h.store.GetDevice(c.Request.Context(), deviceID)
	if err == nil && device.ChildID != childID {
		err = core.ErrDeviceNotFound
	}
	if err != nil {
		if err == core.ErrDeviceNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
				"code":  "DEVICE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to load device",
			"component", "api",
			"device_id", deviceID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	var req struct {
		DeviceIDs    []string `json:"device_ids" binding:"required"`
		SharedBudget bool     `json:"shared_budget"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	deviceIDs := req.DeviceIDs
	if !slices.Contains(deviceIDs, deviceID) {
		deviceIDs = append(deviceIDs, deviceID)
	}

	coupling := &core.DeviceCoupling{
		ID:           idgen.NewCoupling(),
		ChildID:      childID,
		DeviceIDs:    deviceIDs,
		SharedBudget: req.SharedBudget,
	}

	if err := h.store.UpsertCoupling(c.Request.Context(), coupling); err != nil {
		h.logger.Error("Failed to upsert coupling",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to save coupling",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	// The row keeps its original id on replace
	saved, err := h.store.GetCouplingByChild(c.Request.Context(), childID)
	if err != nil {
		saved = coupling
	}

	c.JSON(http.StatusOK, formatCoupling(saved))
}

// DeleteCoupling removes the coupling of a child and pushes fresh rules
// DELETE /children/:childID/coupling
func (h *CouplingsHandler) DeleteCoupling(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	if err := h.store.DeleteCoupling(c.Request.Context(), childID); err != nil {
		if err == core.ErrCouplingNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Coupling not found",
				"code":  "COUPLING_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to delete coupling",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete coupling",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusNoContent, nil)
}

func formatCoupling(dc *core.DeviceCoupling) gin.H {
	return gin.H{
		"id":            dc.ID,
		"child_id":      dc.ChildID,
		"device_ids":    dc.DeviceIDs,
		"shared_budget": dc.SharedBudget,
		"created_at":    fmtTime(dc.CreatedAt),
		"updated_at":    fmtTime(dc.UpdatedAt),
	}
}
