package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/push"
	"heimdall/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// closeNotParent is sent when the token's user lacks the parent role
const closeNotParent = 4003

// PortalWSHandler serves the parent dashboard websocket. Connected
// sockets receive invalidate and notification frames.
type PortalWSHandler struct {
	store    storage.Store
	registry *push.Registry
	secret   string
	clock    core.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewPortalWSHandler creates a new portal websocket handler
func NewPortalWSHandler(store storage.Store, registry *push.Registry, secret string, clock core.Clock, logger *slog.Logger) *PortalWSHandler {
	return &PortalWSHandler{
		store:    store,
		registry: registry,
		secret:   secret,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			// The portal may be served from a different origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the connection and registers a parent dashboard
// socket. The first text frame must be a portal access token.
// GET /portal/ws
func (h *PortalWSHandler) Serve(c *gin.Context) {
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

	userID, err := middleware.ParseAccessToken(h.secret, strings.TrimSpace(string(raw)))
	if err != nil {
		sc.WriteJSON(gin.H{"type": "auth_error", "detail": "Invalid token"})
		sc.writeClose(closeAuthFailed, "auth failed")
		return
	}

	user, err := h.store.GetUser(ctx, userID)
	if err != nil || user.Role != core.RoleParent {
		sc.WriteJSON(gin.H{"type": "auth_error", "detail": "Parent role required"})
		sc.writeClose(closeNotParent, "parent role required")
		return
	}

	if err := sc.WriteJSON(gin.H{
		"type":      "auth_ok",
		"user_id":   user.ID,
		"family_id": user.FamilyID,
	}); err != nil {
		return
	}

	h.registry.ConnectParent(user.FamilyID, sc)
	defer h.registry.DisconnectParent(user.FamilyID, sc)

	h.logger.Info("Parent portal connected",
		"component", "api",
		"user_id", user.ID,
		"family_id", user.FamilyID,
	)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.TrimSpace(string(frame)) == "ping" {
			sc.WriteJSON(gin.H{
				"type":        "pong",
				"server_time": h.clock.Now().UTC().Format(time.RFC3339),
			})
		}
	}
}
