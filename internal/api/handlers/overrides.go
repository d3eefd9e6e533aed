package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// OverridesHandler handles calendar day-type override requests
type OverridesHandler struct {
	store  storage.Store
	logger *slog.Logger
}

// NewOverridesHandler creates a new overrides handler
func NewOverridesHandler(store storage.Store, logger *slog.Logger) *OverridesHandler {
	return &OverridesHandler{
		store:  store,
		logger: logger,
	}
}

// ListOverrides returns the overrides of a family, optionally bounded
// GET /families/:familyID/day-types?from=&to=
func (h *OverridesHandler) ListOverrides(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	from := time.Time{}
	to := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid date format. Use YYYY-MM-DD",
				"code":  "INVALID_DATE_FORMAT",
			})
			return
		}
		from = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid date format. Use YYYY-MM-DD",
				"code":  "INVALID_DATE_FORMAT",
			})
			return
		}
		to = parsed
	}

	overrides, err := h.store.ListDayTypeOverrides(c.Request.Context(), familyID, from, to)
	if err != nil {
		h.logger.Error("Failed to list day type overrides",
			"component", "api",
			"family_id", familyID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve overrides",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	response := make([]gin.H, 0, len(overrides))
	for _, o := range overrides {
		response = append(response, formatOverride(o))
	}

	c.JSON(http.StatusOK, response)
}

// CreateOverride pins the day type of one date
// POST /families/:familyID/day-types
func (h *OverridesHandler) CreateOverride(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	var req struct {
		Date    string `json:"date" binding:"required"`
		DayType string `json:"day_type" binding:"required"`
		Label   string `json:"label"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid date format. Use YYYY-MM-DD",
			"code":  "INVALID_DATE_FORMAT",
		})
		return
	}

	switch req.DayType {
	case core.DayTypeWeekday, core.DayTypeWeekend, core.DayTypeHoliday,
		core.DayTypeVacation, core.DayTypeCustom:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unknown day type",
			"code":  "INVALID_DAY_TYPE",
		})
		return
	}

	override := &core.DayTypeOverride{
		ID:       idgen.NewOverride(),
		FamilyID: familyID,
		Date:     date,
		DayType:  req.DayType,
		Label:    req.Label,
		Source:   core.OverrideSourceManual,
	}

	if err := h.store.CreateDayTypeOverride(c.Request.Context(), override); err != nil {
		if err == core.ErrDuplicateOverride {
			c.JSON(http.StatusConflict, gin.H{
				"error": "An override already exists for this date",
				"code":  "OVERRIDE_EXISTS",
			})
			return
		}

		h.logger.Error("Failed to create day type override",
			"component", "api",
			"family_id", familyID,
			"date", req.Date,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create override",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusCreated, formatOverride(override))
}

// DeleteOverride removes one override
// DELETE /families/:familyID/day-types/:overrideID
func (h *OverridesHandler) DeleteOverride(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	overrideID := c.Param("overrideID")
	if err := h.store.DeleteDayTypeOverride(c.Request.Context(), familyID, overrideID); err != nil {
		if err == core.ErrOverrideNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Override not found",
				"code":  "OVERRIDE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to delete day type override",
			"component", "api",
			"override_id", overrideID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete override",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusNoContent, nil)
}

func formatOverride(o *core.DayTypeOverride) gin.H {
	return gin.H{
		"id":        o.ID,
		"family_id": o.FamilyID,
		"date":      o.Date.Format("2006-01-02"),
		"day_type":  o.DayType,
		"label":     o.Label,
		"source":    o.Source,
	}
}
