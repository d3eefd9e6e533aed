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

// AppGroupsHandler handles app group and member app requests
type AppGroupsHandler struct {
	store  storage.Store
	events *push.Orchestrator
	logger *slog.Logger
}

// NewAppGroupsHandler creates a new app groups handler
func NewAppGroupsHandler(store storage.Store, events *push.Orchestrator, logger *slog.Logger) *AppGroupsHandler {
	return &AppGroupsHandler{
		store:  store,
		events: events,
		logger: logger,
	}
}

type appGroupRequest struct {
	Name              string `json:"name" binding:"required"`
	Category          string `json:"category"`
	RiskLevel         string `json:"risk_level"`
	AlwaysAllowed     bool   `json:"always_allowed"`
	TANAllowed        *bool  `json:"tan_allowed"`
	MaxTANBonusPerDay int    `json:"max_tan_bonus_per_day"`
	Icon              string `json:"icon"`
	Color             string `json:"color"`
}

type appRequest struct {
	AppName       string `json:"app_name"`
	AppPackage    string `json:"app_package"`
	AppExecutable string `json:"app_executable"`
	Platform      string `json:"platform"`
}

// ListGroups returns the app groups of a child with their member apps
// GET /children/:childID/groups
func (h *AppGroupsHandler) ListGroups(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	groups, err := h.store.ListAppGroupsByChild(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to list app groups",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve app groups",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	response := make([]gin.H, 0, len(groups))
	for _, group := range groups {
		apps, err := h.store.ListAppsByGroup(c.Request.Context(), group.ID)
		if err != nil {
			h.logger.Error("Failed to list group apps",
				"component", "api",
				"group_id", group.ID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve app groups",
				"code":  "INTERNAL_ERROR",
			})
			return
		}
		response = append(response, formatAppGroup(group, apps))
	}

	c.JSON(http.StatusOK, response)
}

// CreateGroup adds an app group and pushes fresh rules
// POST /children/:childID/groups
func (h *AppGroupsHandler) CreateGroup(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	var req appGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	group := &core.AppGroup{
		ID:                idgen.NewGroup(),
		ChildID:           childID,
		Name:              req.Name,
		Category:          req.Category,
		RiskLevel:         req.RiskLevel,
		AlwaysAllowed:     req.AlwaysAllowed,
		TANAllowed:        true,
		MaxTANBonusPerDay: req.MaxTANBonusPerDay,
		Icon:              req.Icon,
		Color:             req.Color,
	}
	if req.TANAllowed != nil {
		group.TANAllowed = *req.TANAllowed
	}

	if err := h.store.CreateAppGroup(c.Request.Context(), group); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to create app group",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create app group",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusCreated, formatAppGroup(group, nil))
}

// UpdateGroup applies the provided fields and pushes fresh rules
// PUT /children/:childID/groups/:groupID
func (h *AppGroupsHandler) UpdateGroup(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	group, ok := h.loadGroup(c, childID)
	if !ok {
		return
	}

	var req struct {
		Name              *string `json:"name"`
		Category          *string `json:"category"`
		RiskLevel         *string `json:"risk_level"`
		AlwaysAllowed     *bool   `json:"always_allowed"`
		TANAllowed        *bool   `json:"tan_allowed"`
		MaxTANBonusPerDay *int    `json:"max_tan_bonus_per_day"`
		Icon              *string `json:"icon"`
		Color             *string `json:"color"`
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
		group.Name = *req.Name
	}
	if req.Category != nil {
		group.Category = *req.Category
	}
	if req.RiskLevel != nil {
		group.RiskLevel = *req.RiskLevel
	}
	if req.AlwaysAllowed != nil {
		group.AlwaysAllowed = *req.AlwaysAllowed
	}
	if req.TANAllowed != nil {
		group.TANAllowed = *req.TANAllowed
	}
	if req.MaxTANBonusPerDay != nil {
		group.MaxTANBonusPerDay = *req.MaxTANBonusPerDay
	}
	if req.Icon != nil {
		group.Icon = *req.Icon
	}
	if req.Color != nil {
		group.Color = *req.Color
	}

	if err := h.store.UpdateAppGroup(c.Request.Context(), group); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to update app group",
			"component", "api",
			"group_id", group.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to update app group",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	apps, _ := h.store.ListAppsByGroup(c.Request.Context(), group.ID)
	c.JSON(http.StatusOK, formatAppGroup(group, apps))
}

// DeleteGroup removes a group with its member apps and pushes fresh rules
// DELETE /children/:childID/groups/:groupID
func (h *AppGroupsHandler) DeleteGroup(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	group, ok := h.loadGroup(c, childID)
	if !ok {
		return
	}

	if err := h.store.DeleteAppGroup(c.Request.Context(), group.ID); err != nil {
		h.logger.Error("Failed to delete app group",
			"component", "api",
			"group_id", group.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete app group",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusNoContent, nil)
}

// SetApps replaces the member apps of a group and pushes fresh rules
// PUT /children/:childID/groups/:groupID/apps
func (h *AppGroupsHandler) SetApps(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	group, ok := h.loadGroup(c, childID)
	if !ok {
		return
	}

	var req []appRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListAppsByGroup(ctx, group.ID)
	if err == nil {
		for _, app := range existing {
			if err = h.store.DeleteAppGroupApp(ctx, app.ID); err != nil {
				break
			}
		}
	}

	var created []*core.AppGroupApp
	if err == nil {
		for _, entry := range req {
			app := &core.AppGroupApp{
				ID:            idgen.NewGroupApp(),
				GroupID:       group.ID,
				AppName:       entry.AppName,
				AppPackage:    entry.AppPackage,
				AppExecutable: entry.AppExecutable,
				Platform:      entry.Platform,
			}
			if err = h.store.CreateAppGroupApp(ctx, app); err != nil {
				break
			}
			created = append(created, app)
		}
	}

	if err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to replace group apps",
			"component", "api",
			"group_id", group.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to replace group apps",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(ctx, childID)

	c.JSON(http.StatusOK, formatAppGroup(group, created))
}

// AddApp adds a single member app to a group and pushes fresh rules
// POST /children/:childID/groups/:groupID/apps
func (h *AppGroupsHandler) AddApp(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	group, ok := h.loadGroup(c, childID)
	if !ok {
		return
	}

	var req appRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	app := &core.AppGroupApp{
		ID:            idgen.NewGroupApp(),
		GroupID:       group.ID,
		AppName:       req.AppName,
		AppPackage:    req.AppPackage,
		AppExecutable: req.AppExecutable,
		Platform:      req.Platform,
	}

	if err := h.store.CreateAppGroupApp(c.Request.Context(), app); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to add group app",
			"component", "api",
			"group_id", group.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to add group app",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.PushRulesToChildDevices(c.Request.Context(), childID)

	c.JSON(http.StatusCreated, formatApp(app))
}

// loadGroup fetches the group named in the route and checks it belongs
// to the child. Writes the error response itself on failure.
func (h *AppGroupsHandler) loadGroup(c *gin.Context, childID string) (*core.AppGroup, bool) {
	groupID := c.Param("groupID")
	group, err := h.store.GetAppGroup(c.Request.Context(), groupID)
	if err == nil && group.ChildID != childID {
		err = core.ErrGroupNotFound
	}
	if err != nil {
		if err == core.ErrGroupNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "App group not found",
				"code":  "GROUP_NOT_FOUND",
			})
			return nil, false
		}

		h.logger.Error("Failed to load app group",
			"component", "api",
			"group_id", groupID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return nil, false
	}
	return group, true
}

func formatAppGroup(g *core.AppGroup, apps []*core.AppGroupApp) gin.H {
	formatted := make([]gin.H, 0, len(apps))
	for _, app := range apps {
		formatted = append(formatted, formatApp(app))
	}
	return gin.H{
		"id":                    g.ID,
		"child_id":              g.ChildID,
		"name":                  g.Name,
		"category":              g.Category,
		"risk_level":            g.RiskLevel,
		"always_allowed":        g.AlwaysAllowed,
		"tan_allowed":           g.TANAllowed,
		"max_tan_bonus_per_day": g.MaxTANBonusPerDay,
		"icon":                  g.Icon,
		"color":                 g.Color,
		"apps":                  formatted,
		"created_at":            fmtTime(g.CreatedAt),
		"updated_at":            fmtTime(g.UpdatedAt),
	}
}

func formatApp(a *core.AppGroupApp) gin.H {
	return gin.H{
		"id":             a.ID,
		"group_id":       a.GroupID,
		"app_name":       a.AppName,
		"app_package":    a.AppPackage,
		"app_executable": a.AppExecutable,
		"platform":       a.Platform,
	}
}
