package api

import (
	"log/slog"

	"heimdall/internal/api/handlers"
	"heimdall/internal/api/middleware"
	"heimdall/internal/core"
	"heimdall/internal/push"
	"heimdall/internal/storage"
	"heimdall/internal/tan"
	"heimdall/internal/totp"

	"github.com/gin-gonic/gin"
)

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Store     storage.Store
	Resolver  core.RulesResolver
	TANs      *tan.Engine
	TOTP      *totp.Service
	Registry  *push.Registry
	Events    *push.Orchestrator
	Clock     core.Clock
	JWTSecret string
	Logger    *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	router.Use(middleware.ContentType())

	// Health check (no auth)
	healthHandler := handlers.NewHealthHandler(config.Store)
	router.GET("/health", healthHandler.GetHealth)

	v1 := router.Group("/api/v1")

	// Agent surface: websocket authenticates in-band, REST by device token
	agentWS := handlers.NewAgentWSHandler(config.Store, config.Registry, config.Clock, config.Logger)
	v1.GET("/agent/ws", agentWS.Serve)

	agentHandler := handlers.NewAgentHandler(config.Store, config.Resolver, config.Events, config.Clock, config.Logger)
	agent := v1.Group("/agent")
	agent.Use(middleware.DeviceAuth(config.Store))
	{
		agent.POST("/heartbeat", agentHandler.Heartbeat)
		agent.POST("/usage-event", agentHandler.ReportUsage)
		agent.GET("/rules/current", agentHandler.CurrentRules)
		agent.POST("/tamper-alert", agentHandler.TamperAlert)
	}

	// Portal websocket authenticates in-band with a JWT first frame
	portalWS := handlers.NewPortalWSHandler(config.Store, config.Registry, config.JWTSecret, config.Clock, config.Logger)
	v1.GET("/portal/ws", portalWS.Serve)

	// Portal REST surface (JWT auth)
	portal := v1.Group("")
	portal.Use(middleware.JWTAuth(config.JWTSecret, config.Store))
	parent := middleware.RequireParent()
	{
		tansHandler := handlers.NewTANsHandler(config.Store, config.TANs, config.Events, config.Logger)
		portal.GET("/children/:childID/tans", tansHandler.ListTANs)
		portal.POST("/children/:childID/tans/generate", parent, tansHandler.GenerateTAN)
		portal.POST("/children/:childID/tans/redeem", tansHandler.RedeemTAN)
		portal.DELETE("/children/:childID/tans/:tanID", parent, tansHandler.InvalidateTAN)

		totpHandler := handlers.NewTOTPHandler(config.Store, config.TOTP, config.Logger)
		portal.POST("/children/:childID/totp/setup", parent, totpHandler.Setup)
		portal.GET("/children/:childID/totp/status", parent, totpHandler.GetStatus)
		portal.PUT("/children/:childID/totp/settings", parent, totpHandler.UpdateSettings)
		portal.DELETE("/children/:childID/totp", parent, totpHandler.Disable)
		portal.POST("/children/:childID/totp/unlock", totpHandler.Unlock)

		rulesHandler := handlers.NewTimeRulesHandler(config.Store, config.Events, config.Logger)
		portal.GET("/children/:childID/rules", rulesHandler.ListRules)
		portal.POST("/children/:childID/rules", parent, rulesHandler.CreateRule)
		portal.PUT("/children/:childID/rules/:ruleID", parent, rulesHandler.UpdateRule)
		portal.DELETE("/children/:childID/rules/:ruleID", parent, rulesHandler.DeleteRule)

		groupsHandler := handlers.NewAppGroupsHandler(config.Store, config.Events, config.Logger)
		portal.GET("/children/:childID/groups", groupsHandler.ListGroups)
		portal.POST("/children/:childID/groups", parent, groupsHandler.CreateGroup)
		portal.PUT("/children/:childID/groups/:groupID", parent, groupsHandler.UpdateGroup)
		portal.DELETE("/children/:childID/groups/:groupID", parent, groupsHandler.DeleteGroup)
		portal.PUT("/children/:childID/groups/:groupID/apps", parent, groupsHandler.SetApps)
		portal.POST("/children/:childID/groups/:groupID/apps", parent, groupsHandler.AddApp)

		couplingsHandler := handlers.NewCouplingsHandler(config.Store, config.Events, config.Logger)
		portal.PUT("/children/:childID/devices/:deviceID/coupling", parent, couplingsHandler.SetCoupling)
		portal.DELETE("/children/:childID/coupling", parent, couplingsHandler.DeleteCoupling)

		devicesHandler := handlers.NewDevicesHandler(config.Store, config.Registry, config.Logger)
		portal.GET("/children/:childID/devices", devicesHandler.ListDevices)
		portal.POST("/children/:childID/devices", parent, devicesHandler.RegisterDevice)
		portal.DELETE("/children/:childID/devices/:deviceID", parent, devicesHandler.RevokeDevice)

		questsHandler := handlers.NewQuestsHandler(config.Store, config.TANs, config.Events, config.Clock, config.Logger)
		portal.GET("/families/:familyID/quests", questsHandler.ListTemplates)
		portal.POST("/families/:familyID/quests", parent, questsHandler.CreateTemplate)
		portal.DELETE("/families/:familyID/quests/:templateID", parent, questsHandler.DeactivateTemplate)
		portal.GET("/children/:childID/quests", questsHandler.ListQuests)
		portal.POST("/children/:childID/quests/:questID/claim", questsHandler.ClaimQuest)
		portal.POST("/children/:childID/quests/:questID/proof", questsHandler.SubmitProof)
		portal.POST("/children/:childID/quests/:questID/review", parent, questsHandler.ReviewQuest)

		overridesHandler := handlers.NewOverridesHandler(config.Store, config.Logger)
		portal.GET("/families/:familyID/day-types", overridesHandler.ListOverrides)
		portal.POST("/families/:familyID/day-types", parent, overridesHandler.CreateOverride)
		portal.DELETE("/families/:familyID/day-types/:overrideID", parent, overridesHandler.DeleteOverride)
	}

	return router
}
