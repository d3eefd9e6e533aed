package handlers

import (
	"log/slog"
	"net/http"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// DevicesHandler handles device registration and revocation
type DevicesHandler struct {
	store    storage.Store
	registry *push.Registry
	logger   *slog.Logger
}

// NewDevicesHandler creates a new devices handler
func NewDevicesHandler(store storage.Store, registry *push.Registry, logger *slog.Logger) *DevicesHandler {
	return &DevicesHandler{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// ListDevices returns the devices of a child
// GET /children/:childID/devices
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	devices, err := h.store.ListDevicesByChild(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to list devices",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve devices",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	response := make([]gin.H, 0, len(devices))
	for _, device := range devices {
		response = append(response, formatDevice(device, h.registry.IsConnected(device.ID)))
	}

	c.JSON(http.StatusOK, response)
}

// RegisterDevice enrolls a device and returns the raw token. The token
// appears in this response only; the store keeps the hash.
// POST /children/:childID/devices
func (h *DevicesHandler) RegisterDevice(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	var req struct {
		Name             string `json:"name" binding:"required"`
		Type             string `json:"type" binding:"required"`
		DeviceIdentifier string `json:"device_identifier" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	rawToken, tokenHash, err := core.NewDeviceToken()
	if err != nil {
		h.logger.Error("Failed to mint device token",
			"component", "api",
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	device := &core.Device{
		ID:               idgen.NewDevice(),
		ChildID:          childID,
		Name:             req.Name,
		Type:             core.DeviceType(req.Type),
		DeviceIdentifier: req.DeviceIdentifier,
		DeviceTokenHash:  tokenHash,
		Status:           core.DeviceStatusActive,
	}

	if err := h.store.CreateDevice(c.Request.Context(), device); err != nil {
		if err == core.ErrDuplicateDevice {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Device identifier already registered",
				"code":  "DEVICE_EXISTS",
			})
			return
		}
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to register device",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to register device",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.logger.Info("Device registered",
		"component", "api",
		"device_id", device.ID,
		"child_id", childID,
		"type", device.Type,
	)

	c.JSON(http.StatusCreated, gin.H{
		"device":       formatDevice(device, false),
		"device_token": rawToken,
	})
}

// RevokeDevice marks a device revoked. Its token stops authenticating
// and the resolver falls back to empty rules.
// DELETE /children/:childID/devices/:deviceID
func (h *DevicesHandler) RevokeDevice(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	deviceID := c.Param("deviceID")
	device, err := h.store.GetDevice(c.Request.Context(), deviceID)
	if err == nil && device.ChildID != childID {
		err = core.ErrDeviceNotFound
	}
	if err == nil {
		err = h.store.UpdateDeviceStatus(c.Request.Context(), deviceID, core.DeviceStatusRevoked)
	}
	if err != nil {
		if err == core.ErrDeviceNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Device not found",
				"code":  "DEVICE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to revoke device",
			"component", "api",
			"device_id", deviceID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to revoke device",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.logger.Info("Device revoked",
		"component", "api",
		"device_id", deviceID,
		"child_id", childID,
	)

	c.JSON(http.StatusNoContent, nil)
}

func formatDevice(d *core.Device, online bool) gin.H {
	return gin.H{
		"id":                d.ID,
		"child_id":          d.ChildID,
		"name":              d.Name,
		"type":              d.Type,
		"device_identifier": d.DeviceIdentifier,
		"status":            d.Status,
		"online":            online,
		"last_seen":         fmtTimePtr(d.LastSeen),
		"created_at":        fmtTime(d.CreatedAt),
	}
}
