package middleware

import (
	"context"
	"net/http"

	"heimdall/internal/core"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
)

// DeviceKey is the context key holding the authenticated *core.Device
const DeviceKey = "device"

// DeviceAuth authenticates agent requests by the X-Device-Token header.
// The raw token is hashed and looked up; revoked devices are rejected.
func DeviceAuth(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-Device-Token")
		device, err := ResolveDeviceToken(c.Request.Context(), store, token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or inactive device token",
				"code":  "INVALID_DEVICE_TOKEN",
			})
			c.Abort()
			return
		}

		c.Set(DeviceKey, device)
		c.Next()
	}
}

// ResolveDeviceToken maps a raw device token to its active device. The
// websocket handshake authenticates the same way outside this middleware.
func ResolveDeviceToken(ctx context.Context, store storage.Store, rawToken string) (*core.Device, error) {
	if rawToken == "" {
		return nil, core.ErrDeviceNotFound
	}
	device, err := store.GetDeviceByTokenHash(ctx, core.HashToken(rawToken))
	if err != nil {
		return nil, err
	}
	if device.Status != core.DeviceStatusActive {
		return nil, core.ErrDeviceRevoked
	}
	return device, nil
}

// GetDevice returns the device set by DeviceAuth, or nil
func GetDevice(c *gin.Context) *core.Device {
	v, ok := c.Get(DeviceKey)
	if !ok {
		return nil
	}
	device, _ := v.(*core.Device)
	return device
}
