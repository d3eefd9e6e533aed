package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// closeAuthFailed is sent when the first frame is not a valid token
const closeAuthFailed = 4001

// AgentWSHandler serves the persistent agent websocket. Connected
// sockets receive rules_updated and tan_activated pushes.
type AgentWSHandler struct {
	store    storage.Store
	registry *push.Registry
	clock    core.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewAgentWSHandler creates a new agent websocket handler
func NewAgentWSHandler(store storage.Store, registry *push.Registry, clock core.Clock, logger *slog.Logger) *AgentWSHandler {
	return &AgentWSHandler{
		store:    store,
		registry: registry,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// Agents are native processes, not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the connection and runs the agent message loop. The
// first text frame must be the raw device token.
// GET /agent/ws
func (h *AgentWSHandler) Serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Websocket upgrade failed",
			"component", "api",
			"error", err,
		)
		return
	}
	sc := newSyncConn(conn)
	defer sc.Close()

	ctx := c.Request.Context()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}

	device, err := middleware.ResolveDeviceToken(ctx, h.store, strings.TrimSpace(string(raw)))
	if err != nil {
		sc.WriteJSON(gin.H{"error": "Invalid device token"})
		sc.writeClose(closeAuthFailed, "auth failed")
		return
	}

	if err := sc.WriteJSON(gin.H{"type": "auth_ok", "device_id": device.ID}); err != nil {
		return
	}

	if err := h.store.UpdateDeviceLastSeen(ctx, device.ID, h.clock.Now().UTC()); err != nil {
		h.logger.Error("Failed to update device last seen",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
	}

	h.registry.Connect(device.ID, device.ChildID, sc)
	defer h.registry.Disconnect(device.ID, device.ChildID, sc)

	h.logger.Info("Agent connected",
		"component", "api",
		"device_id", device.ID,
		"child_id", device.ChildID,
	)
	defer h.logger.Info("Agent disconnected",
		"component", "api",
		"device_id", device.ID,
	)

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if _, ok := err.(*websocket.CloseError); ok {
				return
			}
			// Malformed frame or transport fault
			sc.writeClose(websocket.CloseInternalServerErr, "internal error")
			return
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "ping":
			sc.WriteJSON(gin.H{"type": "pong", "server_time": h.serverTime()})
		case "heartbeat":
			if err := h.store.UpdateDeviceLastSeen(ctx, device.ID, h.clock.Now().UTC()); err != nil {
				h.logger.Error("Failed to update device last seen",
					"component", "api",
					"device_id", device.ID,
					"error", err,
				)
			}
			sc.WriteJSON(gin.H{"type": "heartbeat_ack", "server_time": h.serverTime()})
		case "usage_update":
			h.recordUsageUpdate(ctx, device, msg)
			sc.WriteJSON(gin.H{"type": "ack", "received_type": "usage_update"})
		default:
			sc.WriteJSON(gin.H{"type": "ack", "received_type": msgType})
		}
	}
}

// recordUsageUpdate persists an inline usage report. Frames without an
// app package or duration are acked but not stored.
func (h *AgentWSHandler) recordUsageUpdate(ctx context.Context, device *core.Device, msg map[string]any) {
	appPackage, _ := msg["app_package"].(string)
	duration, hasDuration := msg["duration_seconds"].(float64)
	if appPackage == "" || !hasDuration {
		return
	}

	groupID, _ := msg["app_group_id"].(string)
	seconds := int(duration)
	startedAt := h.clock.Now().UTC()

	event := &core.UsageEvent{
		ID:              idgen.NewUsageEvent(),
		DeviceID:        device.ID,
		ChildID:         device.ChildID,
		AppPackage:      appPackage,
		AppGroupID:      groupID,
		EventType:       core.UsageEventUpdate,
		StartedAt:       &startedAt,
		DurationSeconds: &seconds,
	}

	if err := h.store.CreateUsageEvent(ctx, event); err != nil {
		h.logger.Error("Failed to record usage update",
			"component", "api",
			"device_id", device.ID,
			"error", err,
		)
	}
}

func (h *AgentWSHandler) serverTime() string {
	return h.clock.Now().UTC().Format(time.RFC3339)
}
