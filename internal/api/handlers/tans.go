package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/push"
	"heimdall/internal/storage"
	"heimdall/internal/tan"

	"github.com/gin-gonic/gin"
)

// TANsHandler handles TAN lifecycle requests
type TANsHandler struct {
	store  storage.Store
	engine *tan.Engine
	events *push.Orchestrator
	logger *slog.Logger
}

// NewTANsHandler creates a new TANs handler
func NewTANsHandler(store storage.Store, engine *tan.Engine, events *push.Orchestrator, logger *slog.Logger) *TANsHandler {
	return &TANsHandler{
		store:  store,
		engine: engine,
		events: events,
		logger: logger,
	}
}

// ListTANs returns the TANs of a child, newest first
// GET /children/:childID/tans?status=
func (h *TANsHandler) ListTANs(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	tans, err := h.store.ListTANsByChild(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to list TANs",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve TANs",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	statusFilter := c.Query("status")
	response := make([]gin.H, 0, len(tans))
	for _, t := range tans {
		if statusFilter != "" && string(t.Status) != statusFilter {
			continue
		}
		response = append(response, formatTAN(t))
	}

	c.JSON(http.StatusOK, response)
}

// GenerateTAN mints a manual TAN for a child
// POST /children/:childID/tans/generate
func (h *TANsHandler) GenerateTAN(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	var req struct {
		Type             string     `json:"type" binding:"required"`
		ValueMinutes     *int       `json:"value_minutes"`
		ValueUnlockUntil *time.Time `json:"value_unlock_until"`
		ScopeGroups      []string   `json:"scope_groups"`
		ScopeDevices     []string   `json:"scope_devices"`
		ExpiresAt        *time.Time `json:"expires_at"`
		SingleUse        *bool      `json:"single_use"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	tanType := core.TANType(req.Type)
	switch tanType {
	case core.TANTypeTime, core.TANTypeGroupUnlock, core.TANTypeExtendWindow, core.TANTypeOverride:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown TAN type",
			"code":  "INVALID_TAN_TYPE",
		})
		return
	}

	params := tan.GenerateParams{
		ChildID:          childID,
		Type:             tanType,
		ValueMinutes:     req.ValueMinutes,
		ValueUnlockUntil: req.ValueUnlockUntil,
		ScopeGroups:      req.ScopeGroups,
		ScopeDevices:     req.ScopeDevices,
		SingleUse:        true,
		Source:           core.TANSourceParentManual,
	}
	if req.ExpiresAt != nil {
		params.ExpiresAt = *req.ExpiresAt
	}
	if req.SingleUse != nil {
		params.SingleUse = *req.SingleUse
	}

	generated, err := h.engine.Generate(c.Request.Context(), params)
	if err != nil {
		if err == core.ErrInvalidTANValue {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  "INVALID_TAN_VALUE",
			})
			return
		}

		h.logger.Error("Failed to generate TAN",
			"component", "api",
			"child_id", childID,
			"type", tanType,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to generate TAN",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusCreated, formatTAN(generated))
}

// RedeemTAN redeems a TAN code for a child and pushes fresh rules
// POST /children/:childID/tans/redeem
func (h *TANsHandler) RedeemTAN(c *gin.Context) {
	childID := c.Param("childID")
	child, ok := verifyChildAccess(c, h.store, childID)
	if !ok {
		return
	}

	var req struct {
		Code string `json:"code" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	redeemed, err := h.engine.Redeem(c.Request.Context(), childID, req.Code)
	if err != nil {
		if err == core.ErrTANNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "TAN not found",
				"code":  "TAN_NOT_FOUND",
			})
			return
		}
		if denied, ok := err.(*tan.RedemptionError); ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": denied.Message,
				"code":  denied.Code,
			})
			return
		}

		h.logger.Error("Failed to redeem TAN",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to redeem TAN",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	ctx := c.Request.Context()
	h.events.NotifyTANActivated(redeemed)
	h.events.PushRulesToChildDevices(ctx, childID)
	h.events.NotifyParentDashboard(child.FamilyID, childID, push.EventTANRedeemed)
	h.events.NotifyParentEvent(ctx, child.FamilyID, "TAN eingelöst",
		child.Name+" hat einen TAN eingelöst: "+redeemed.Code, "tan", childID)

	c.JSON(http.StatusOK, formatTAN(redeemed))
}

// InvalidateTAN expires an active TAN early
// DELETE /children/:childID/tans/:tanID
func (h *TANsHandler) InvalidateTAN(c *gin.Context) {
	childID := c.Param("childID")
	child, ok := verifyChildAccess(c, h.store, childID)
	if !ok {
		return
	}

	tanID := c.Param("tanID")
	existing, err := h.store.GetTAN(c.Request.Context(), tanID)
	if err == nil && existing.ChildID != childID {
		err = core.ErrTANNotFound
	}
	if err == nil {
		err = h.store.InvalidateTAN(c.Request.Context(), tanID)
	}
	if err != nil {
		if err == core.ErrTANNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "TAN not found",
				"code":  "TAN_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to invalidate TAN",
			"component", "api",
			"tan_id", tanID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to invalidate TAN",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)
	h.events.NotifyParentDashboard(child.FamilyID, childID, push.EventTANInvalidated)

	c.JSON(http.StatusNoContent, nil)
}

func formatTAN(t *core.TAN) gin.H {
	return gin.H{
		"id":                 t.ID,
		"child_id":           t.ChildID,
		"code":               t.Code,
		"type":               t.Type,
		"scope_groups":       t.ScopeGroups,
		"scope_devices":      t.ScopeDevices,
		"value_minutes":      t.ValueMinutes,
		"value_unlock_until": fmtTimePtr(t.ValueUnlockUntil),
		"expires_at":         fmtTime(t.ExpiresAt),
		"single_use":         t.SingleUse,
		"source":             t.Source,
		"source_quest_id":    t.SourceQuestID,
		"status":             t.Status,
		"redeemed_at":        fmtTimePtr(t.RedeemedAt),
		"created_at":         fmtTime(t.CreatedAt),
	}
}
