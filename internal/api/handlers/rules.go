package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// TimeRulesHandler handles screen time rule requests
type TimeRulesHandler struct {
	store  storage.Store
	events *push.Orchestrator
	logger *slog.Logger
}

// NewTimeRulesHandler creates a new time rules handler
func NewTimeRulesHandler(store storage.Store, events *push.Orchestrator, logger *slog.Logger) *TimeRulesHandler {
	return &TimeRulesHandler{
		store:  store,
		events: events,
		logger: logger,
	}
}

// ListRules returns the rules of a child, highest priority first
// GET /children/:childID/rules
func (h *TimeRulesHandler) ListRules(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	rules, err := h.store.ListTimeRulesByChild(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to list time rules",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve time rules",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	response := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		response = append(response, formatTimeRule(rule))
	}

	c.JSON(http.StatusOK, response)
}

// CreateRule adds a rule and pushes fresh rules to the child's devices
// POST /children/:childID/rules
func (h *TimeRulesHandler) CreateRule(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	var req struct {
		Name              string                `json:"name" binding:"required"`
		TargetType        string                `json:"target_type"`
		TargetID          string                `json:"target_id"`
		DayTypes          []string              `json:"day_types" binding:"required"`
		TimeWindows       []core.TimeWindow     `json:"time_windows"`
		DailyLimitMinutes *int                  `json:"daily_limit_minutes"`
		GroupLimits       []core.RuleGroupLimit `json:"group_limits"`
		Priority          int                   `json:"priority"`
		Active            *bool                 `json:"active"`
		ValidFrom         *time.Time            `json:"valid_from"`
		ValidUntil        *time.Time            `json:"valid_until"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	targetType := core.TargetType(req.TargetType)
	if targetType == "" {
		targetType = core.TargetTypeDevice
	}
	if targetType != core.TargetTypeDevice && targetType != core.TargetTypeAppGroup {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown target type",
			"code":  "INVALID_TARGET_TYPE",
		})
		return
	}

	rule := &core.TimeRule{
		ID:                idgen.NewRule(),
		ChildID:           childID,
		Name:              req.Name,
		TargetType:        targetType,
		TargetID:          req.TargetID,
		DayTypes:          req.DayTypes,
		TimeWindows:       req.TimeWindows,
		DailyLimitMinutes: req.DailyLimitMinutes,
		GroupLimits:       req.GroupLimits,
		Priority:          req.Priority,
		Active:            true,
		ValidFrom:         req.ValidFrom,
		ValidUntil:        req.ValidUntil,
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}

	if err := h.store.CreateTimeRule(c.Request.Context(), rule); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to create time rule",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create time rule",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusCreated, formatTimeRule(rule))
}

// UpdateRule applies the provided fields and pushes fresh rules
// PUT /children/:childID/rules/:ruleID
func (h *TimeRulesHandler) UpdateRule(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	ruleID := c.Param("ruleID")
	rule, err := h.store.GetTimeRule(c.Request.Context(), ruleID)
	if err == nil && rule.ChildID != childID {
		err = core.ErrRuleNotFound
	}
	if err != nil {
		if err == core.ErrRuleNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Time rule not found",
				"code":  "RULE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to load time rule",
			"component", "api",
			"rule_id", ruleID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	var req struct {
		Name              *string               `json:"name"`
		DayTypes          []string              `json:"day_types"`
		TimeWindows       []core.TimeWindow     `json:"time_windows"`
		DailyLimitMinutes *int                  `json:"daily_limit_minutes"`
		GroupLimits       []core.RuleGroupLimit `json:"group_limits"`
		Priority          *int                  `json:"priority"`
		Active            *bool                 `json:"active"`
		ValidFrom         *time.Time            `json:"valid_from"`
		ValidUntil        *time.Time            `json:"valid_until"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	if req.Name != nil {
		rule.Name = *req.Name
	}
	if req.DayTypes != nil {
		rule.DayTypes = req.DayTypes
	}
	if req.TimeWindows != nil {
		rule.TimeWindows = req.TimeWindows
	}
	if req.DailyLimitMinutes != nil {
		rule.DailyLimitMinutes = req.DailyLimitMinutes
	}
	if req.GroupLimits != nil {
		rule.GroupLimits = req.GroupLimits
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.ValidFrom != nil {
		rule.ValidFrom = req.ValidFrom
	}
	if req.ValidUntil != nil {
		rule.ValidUntil = req.ValidUntil
	}

	if err := h.store.UpdateTimeRule(c.Request.Context(), rule); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to update time rule",
			"component", "api",
			"rule_id", ruleID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update time rule",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusOK, formatTimeRule(rule))
}

// DeleteRule removes a rule and pushes fresh rules
// DELETE /children/:childID/rules/:ruleID
func (h *TimeRulesHandler) DeleteRule(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	ruleID := c.Param("ruleID")
	rule, err := h.store.GetTimeRule(c.Request.Context(), ruleID)
	if err == nil && rule.ChildID != childID {
		err = core.ErrRuleNotFound
	}
	if err == nil {
		err = h.store.DeleteTimeRule(c.Request.Context(), ruleID)
	}
	if err != nil {
		if err == core.ErrRuleNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Time rule not found",
				"code":  "RULE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to delete time rule",
			"component", "api",
			"rule_id", ruleID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete time rule",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusNoContent, nil)
}

func formatTimeRule(r *core.TimeRule) gin.H {
	return gin.H{
		"id":                  r.ID,
		"child_id":            r.ChildID,
		"name":                r.Name,
		"target_type":         r.TargetType,
		"target_id":           r.TargetID,
		"day_types":           r.DayTypes,
		"time_windows":        r.TimeWindows,
		"daily_limit_minutes": r.DailyLimitMinutes,
		"group_limits":        r.GroupLimits,
		"priority":            r.Priority,
		"active":              r.Active,
		"valid_from":          fmtTimePtr(r.ValidFrom),
		"valid_until":         fmtTimePtr(r.ValidUntil),
		"created_at":          fmtTime(r.CreatedAt),
		"updated_at":          fmtTime(r.UpdatedAt),
	}
}
