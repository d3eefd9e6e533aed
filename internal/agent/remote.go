package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"heimdall/internal/core"
)

// DefaultRemotePort is where the remote control surface listens unless
// overridden on the command line
const DefaultRemotePort = 9876

// RemoteControl is a loopback-only HTTP surface for inspecting and
// poking a running agent, meant for demo setups and debugging:
//
//	curl http://127.0.0.1:9876/status
//	curl -X POST http://127.0.0.1:9876/simulate -d '{"executable":"notepad.exe"}'
type RemoteControl struct {
	agent  *Agent
	port   int
	logger *slog.Logger
}

// NewRemoteControl creates the surface around a running agent
func NewRemoteControl(agent *Agent, port int, logger *slog.Logger) *RemoteControl {
	return &RemoteControl{
		agent:  agent,
		port:   port,
		logger: logger.With("component", "remote-control"),
	}
}

// Run serves until the context is cancelled
func (r *RemoteControl) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", r.port),
		Handler: r.router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("remote control listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *RemoteControl) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/status", r.handleStatus)
	engine.GET("/groups", r.handleGroups)
	engine.POST("/block", r.handleBlock)
	engine.POST("/unblock", r.handleUnblock)
	engine.POST("/simulate", r.handleSimulate)
	engine.POST("/simulate/clear", r.handleSimulateClear)
	engine.POST("/rules/update", r.handleRulesUpdate)

	return engine
}

// handleStatus returns the live agent snapshot
// GET /status
func (r *RemoteControl) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.agent.Status())
}

// handleGroups returns the current executable-to-group mapping
// GET /groups
func (r *RemoteControl) handleGroups(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"app_group_map": r.agent.Monitor().AppGroupMap(),
	})
}

// handleBlock blocks a group and enforces immediately
// POST /block
func (r *RemoteControl) handleBlock(c *gin.Context) {
	var req struct {
		GroupID string `json:"group_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
		return
	}

	r.agent.Blocker().BlockGroup(req.GroupID)
	r.agent.Blocker().Enforce(r.agent.Monitor().CurrentSession())
	r.logger.Info("remote block", "group_id", req.GroupID)

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"action":         "blocked",
		"group_id":       req.GroupID,
		"blocked_groups": r.agent.Blocker().BlockedGroups(),
	})
}

// handleUnblock removes a group from the blocked set
// POST /unblock
func (r *RemoteControl) handleUnblock(c *gin.Context) {
	var req struct {
		GroupID string `json:"group_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group_id is required"})
		return
	}

	r.agent.Blocker().UnblockGroup(req.GroupID)
	r.logger.Info("remote unblock", "group_id", req.GroupID)

	c.JSON(http.StatusOK, gin.H{
		"ok":             true,
		"action":         "unblocked",
		"group_id":       req.GroupID,
		"blocked_groups": r.agent.Blocker().BlockedGroups(),
	})
}

// handleSimulate pins the monitor to a fake foreground app and polls
// once so the change registers immediately
// POST /simulate
func (r *RemoteControl) handleSimulate(c *gin.Context) {
	var req struct {
		Executable  string `json:"executable" binding:"required"`
		WindowTitle string `json:"window_title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "executable is required"})
		return
	}

	if req.WindowTitle == "" {
		req.WindowTitle = "Simulated: " + req.Executable
	}
	r.agent.Monitor().SimulateForeground(req.Executable, req.WindowTitle)
	r.agent.Monitor().Poll()

	session := r.agent.Monitor().CurrentSession()
	groupID := ""
	if session != nil {
		groupID = session.AppGroupID
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"simulated":    req.Executable,
		"app_group_id": groupID,
		"is_blocked":   r.agent.Blocker().IsBlocked(groupID),
	})
}

// handleSimulateClear removes the simulation override
// POST /simulate/clear
func (r *RemoteControl) handleSimulateClear(c *gin.Context) {
	r.agent.Monitor().ClearSimulation()
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": "simulation_cleared"})
}

// handleRulesUpdate injects a rules payload, demo mode only
// POST /rules/update
func (r *RemoteControl) handleRulesUpdate(c *gin.Context) {
	if !r.agent.DemoMode() {
		c.JSON(http.StatusForbidden, gin.H{"error": "rules/update only available in demo mode"})
		return
	}

	var rules core.ResolvedRules
	if err := c.ShouldBindJSON(&rules); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rules payload"})
		return
	}

	r.agent.ApplyRules(&rules)
	r.logger.Info("remote rules update applied")
	c.JSON(http.StatusOK, gin.H{"ok": true, "action": "rules_updated"})
}
