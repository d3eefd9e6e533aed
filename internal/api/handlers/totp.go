package handlers

import (
	"log/slog"
	"net/http"

	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/storage"
	"heimdall/internal/totp"

	"github.com/gin-gonic/gin"
)

// TOTPHandler handles authenticator configuration and unlock requests
type TOTPHandler struct {
	store  storage.Store
	totp   *totp.Service
	logger *slog.Logger
}

// NewTOTPHandler creates a new TOTP handler
func NewTOTPHandler(store storage.Store, service *totp.Service, logger *slog.Logger) *TOTPHandler {
	return &TOTPHandler{
		store:  store,
		totp:   service,
		logger: logger,
	}
}

// Setup mints a fresh secret and enables TOTP for a child
// POST /children/:childID/totp/setup
func (h *TOTPHandler) Setup(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	result, err := h.totp.Setup(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to set up TOTP",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to set up TOTP",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetStatus returns the authenticator configuration of a child
// GET /children/:childID/totp/status
func (h *TOTPHandler) GetStatus(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	status, err := h.totp.Status(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to get TOTP status",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve TOTP status",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// UpdateSettings changes mode or granted minutes, fields left null keep
// their value
// PUT /children/:childID/totp/settings
func (h *TOTPHandler) UpdateSettings(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	var upd totp.SettingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	status, err := h.totp.UpdateSettings(c.Request.Context(), childID, upd)
	if err != nil {
		if err == totp.ErrInvalidMode {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  "INVALID_MODE",
			})
			return
		}

		h.logger.Error("Failed to update TOTP settings",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update TOTP settings",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// Disable turns the authenticator off and clears the secret
// DELETE /children/:childID/totp
func (h *TOTPHandler) Disable(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	if err := h.totp.Disable(c.Request.Context(), childID); err != nil {
		h.logger.Error("Failed to disable TOTP",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to disable TOTP",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusNoContent, nil)
}

// Unlock exchanges a valid authenticator code for a TAN or an override.
// Children can only unlock their own account.
// POST /children/:childID/totp/unlock
func (h *TOTPHandler) Unlock(c *gin.Context) {
	childID := c.Param("childID")

	user := middleware.GetCurrentUser(c)
	if user == nil || user.Role != core.RoleChild || user.ID != childID {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "Kein Zugriff",
			"code":  "ACCESS_DENIED",
		})
		return
	}

	var req struct {
		Code string `json:"code" binding:"required"`
		Mode string `json:"mode" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	result, err := h.totp.Unlock(c.Request.Context(), childID, core.TOTPMode(req.Mode), req.Code)
	if err != nil {
		switch {
		case err == totp.ErrInvalidMode:
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  "INVALID_MODE",
			})
		case err == totp.ErrNotEnabled:
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  "TOTP_NOT_ENABLED",
			})
		case err == totp.ErrInvalidCode:
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
				"code":  "INVALID_CODE",
			})
		default:
			if modeErr, ok := err.(*totp.ModeError); ok {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": modeErr.Error(),
					"code":  "MODE_NOT_ALLOWED",
				})
				return
			}

			h.logger.Error("Failed to unlock via TOTP",
				"component", "api",
				"child_id", childID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Internal server error",
				"code":  "INTERNAL_ERROR",
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}
