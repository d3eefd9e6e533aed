package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"heimdall/internal/core"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"
	"heimdall/internal/tan"

	"github.com/gin-gonic/gin"
)

// QuestsHandler handles quest template and instance requests
type QuestsHandler struct {
	store  storage.Store
	engine *tan.Engine
	events *push.Orchestrator
	clock  core.Clock
	logger *slog.Logger
}

// NewQuestsHandler creates a new quests handler
func NewQuestsHandler(store storage.Store, engine *tan.Engine, events *push.Orchestrator, clock core.Clock, logger *slog.Logger) *QuestsHandler {
	return &QuestsHandler{
		store:  store,
		engine: engine,
		events: events,
		clock:  clock,
		logger: logger,
	}
}

// ListTemplates returns the active quest templates of a family
// GET /families/:familyID/quests
func (h *QuestsHandler) ListTemplates(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	templates, err := h.store.ListActiveQuestTemplates(c.Request.Context(), familyID)
	if err != nil {
		h.logger.Error("Failed to list quest templates",
			"component", "api",
			"family_id", familyID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve quest templates",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	response := make([]gin.H, 0, len(templates))
	for _, template := range templates {
		response = append(response, formatQuestTemplate(template))
	}

	c.JSON(http.StatusOK, response)
}

// CreateTemplate adds a quest template
// POST /families/:familyID/quests
func (h *QuestsHandler) CreateTemplate(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	var req struct {
		Name              string   `json:"name" binding:"required"`
		Category          string   `json:"category"`
		RewardMinutes     int      `json:"reward_minutes"`
		TANGroups         []string `json:"tan_groups"`
		ProofType         string   `json:"proof_type"`
		AIVerify          bool     `json:"ai_verify"`
		Recurrence        string   `json:"recurrence" binding:"required"`
		AutoDetectApp     string   `json:"auto_detect_app"`
		AutoDetectMinutes *int     `json:"auto_detect_minutes"`
		StreakThreshold   *int     `json:"streak_threshold"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	template := &core.QuestTemplate{
		ID:                idgen.NewTemplate(),
		FamilyID:          familyID,
		Name:              req.Name,
		Category:          req.Category,
		RewardMinutes:     req.RewardMinutes,
		TANGroups:         req.TANGroups,
		ProofType:         core.ProofType(req.ProofType),
		AIVerify:          req.AIVerify,
		Recurrence:        core.QuestRecurrence(req.Recurrence),
		AutoDetectApp:     req.AutoDetectApp,
		AutoDetectMinutes: req.AutoDetectMinutes,
		StreakThreshold:   req.StreakThreshold,
		Active:            true,
	}

	if err := h.store.CreateQuestTemplate(c.Request.Context(), template); err != nil {
		if validationError(c, err) {
			return
		}

		h.logger.Error("Failed to create quest template",
			"component", "api",
			"family_id", familyID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create quest template",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusCreated, formatQuestTemplate(template))
}

// DeactivateTemplate retires a template. Instances keep their history,
// the scheduler stops generating new ones.
// DELETE /families/:familyID/quests/:templateID
func (h *QuestsHandler) DeactivateTemplate(c *gin.Context) {
	familyID := c.Param("familyID")
	if !verifyFamilyAccess(c, familyID) {
		return
	}

	templateID := c.Param("templateID")
	template, err := h.store.GetQuestTemplate(c.Request.Context(), templateID)
	if err == nil && template.FamilyID != familyID {
		err = core.ErrTemplateNotFound
	}
	if err == nil {
		template.Active = false
		err = h.store.UpdateQuestTemplate(c.Request.Context(), template)
	}
	if err != nil {
		if err == core.ErrTemplateNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Quest template not found",
				"code":  "TEMPLATE_NOT_FOUND",
			})
			return
		}

		h.logger.Error("Failed to deactivate quest template",
			"component", "api",
			"template_id", templateID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to deactivate quest template",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusNoContent, nil)
}

// ListQuests returns the quest instances of a child, newest first
// GET /children/:childID/quests?status=
func (h *QuestsHandler) ListQuests(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	quests, err := h.store.ListQuestInstancesByChild(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to list quest instances",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve quests",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	statusFilter := c.Query("status")
	response := make([]gin.H, 0, len(quests))
	for _, quest := range quests {
		if statusFilter != "" && string(quest.Status) != statusFilter {
			continue
		}
		response = append(response, formatQuestInstance(quest))
	}

	c.JSON(http.StatusOK, response)
}

// ClaimQuest moves an available quest to claimed
// POST /children/:childID/quests/:questID/claim
func (h *QuestsHandler) ClaimQuest(c *gin.Context) {
	childID := c.Param("childID")
	if _, ok := verifyChildAccess(c, h.store, childID); !ok {
		return
	}

	quest, ok := h.loadQuest(c, childID)
	if !ok {
		return
	}

	if !quest.CanTransition(core.QuestStatusClaimed) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Quest cannot be claimed (current status: %s)", quest.Status),
			"code":  "INVALID_QUEST_STATUS",
		})
		return
	}

	now := h.clock.Now().UTC()
	quest.Status = core.QuestStatusClaimed
	quest.ClaimedAt = &now

	if err := h.store.UpdateQuestInstance(c.Request.Context(), quest); err != nil {
		h.logger.Error("Failed to claim quest",
			"component", "api",
			"quest_id", quest.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to claim quest",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	c.JSON(http.StatusOK, formatQuestInstance(quest))
}

// SubmitProof moves a claimed quest to pending review and alerts the
// parents
// POST /children/:childID/quests/:questID/proof
func (h *QuestsHandler) SubmitProof(c *gin.Context) {
	childID := c.Param("childID")
	child, ok := verifyChildAccess(c, h.store, childID)
	if !ok {
		return
	}

	quest, ok := h.loadQuest(c, childID)
	if !ok {
		return
	}

	var req struct {
		ProofURL string `json:"proof_url"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	if !quest.CanTransition(core.QuestStatusPendingReview) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Proof can only be submitted for claimed quests (current status: %s)", quest.Status),
			"code":  "INVALID_QUEST_STATUS",
		})
		return
	}

	quest.Status = core.QuestStatusPendingReview
	quest.ProofURL = req.ProofURL

	if err := h.store.UpdateQuestInstance(c.Request.Context(), quest); err != nil {
		h.logger.Error("Failed to submit quest proof",
			"component", "api",
			"quest_id", quest.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit proof",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	ctx := c.Request.Context()
	h.events.NotifyParentDashboard(child.FamilyID, childID, push.EventQuestProof)

	templateName := quest.TemplateID
	if template, err := h.store.GetQuestTemplate(ctx, quest.TemplateID); err == nil {
		templateName = template.Name
	}
	h.events.NotifyParentEvent(ctx, child.FamilyID, "Quest eingereicht",
		fmt.Sprintf("%s hat \"%s\" zur Prüfung eingereicht", child.Name, templateName),
		"quest", childID)

	c.JSON(http.StatusOK, formatQuestInstance(quest))
}

// ReviewQuest approves or rejects a quest in pending review. Approval
// mints the reward TAN.
// POST /children/:childID/quests/:questID/review
func (h *QuestsHandler) ReviewQuest(c *gin.Context) {
	childID := c.Param("childID")
	child, ok := verifyChildAccess(c, h.store, childID)
	if !ok {
		return
	}

	quest, ok := h.loadQuest(c, childID)
	if !ok {
		return
	}

	var req struct {
		Approved *bool `json:"approved" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"code":    "INVALID_REQUEST",
			"details": err.Error(),
		})
		return
	}

	next := core.QuestStatusRejected
	if *req.Approved {
		next = core.QuestStatusApproved
	}

	if !quest.CanTransition(next) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Only quests in pending_review can be reviewed (current status: %s)", quest.Status),
			"code":  "INVALID_QUEST_STATUS",
		})
		return
	}

	ctx := c.Request.Context()
	reviewer := currentUserID(c)
	now := h.clock.Now().UTC()

	if next == core.QuestStatusApproved {
		template, err := h.store.GetQuestTemplate(ctx, quest.TemplateID)
		if err != nil {
			h.logger.Error("Failed to load quest template",
				"component", "api",
				"template_id", quest.TemplateID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Internal server error",
				"code":  "INTERNAL_ERROR",
			})
			return
		}

		minutes := template.RewardMinutes
		reward, err := h.engine.Generate(ctx, tan.GenerateParams{
			ChildID:       childID,
			Type:          core.TANTypeTime,
			ValueMinutes:  &minutes,
			ScopeGroups:   template.TANGroups,
			SingleUse:     true,
			Source:        core.TANSourceQuest,
			SourceQuestID: quest.ID,
		})
		if err != nil {
			h.logger.Error("Failed to mint quest reward TAN",
				"component", "api",
				"quest_id", quest.ID,
				"error", err,
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to mint reward TAN",
				"code":  "INTERNAL_ERROR",
			})
			return
		}
		quest.GeneratedTANID = reward.ID
	}

	quest.Status = next
	quest.ReviewedBy = reviewer
	quest.ReviewedAt = &now

	if err := h.store.UpdateQuestInstance(ctx, quest); err != nil {
		h.logger.Error("Failed to review quest",
			"component", "api",
			"quest_id", quest.ID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to review quest",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	h.events.NotifyParentDashboard(child.FamilyID, childID, push.EventQuestReviewed)

	c.JSON(http.StatusOK, formatQuestInstance(quest))
}

// loadQuest fetches the instance named in the route and checks it
// belongs to the child. Writes the error response itself on failure.
func (h *QuestsHandler) loadQuest(c *gin.Context, childID string) (*core.QuestInstance, bool) {
	questID := c.Param("questID")
	quest, err := h.store.GetQuestInstance(c.Request.Context(), questID)
	if err == nil && quest.ChildID != childID {
		err = core.ErrQuestNotFound
	}
	if err != nil {
		if err == core.ErrQuestNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Quest instance not found",
				"code":  "QUEST_NOT_FOUND",
			})
			return nil, false
		}

		h.logger.Error("Failed to load quest instance",
			"component", "api",
			"quest_id", questID,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
		return nil, false
	}
	return quest, true
}

func formatQuestTemplate(t *core.QuestTemplate) gin.H {
	return gin.H{
		"id":                  t.ID,
		"family_id":           t.FamilyID,
		"name":                t.Name,
		"category":            t.Category,
		"reward_minutes":      t.RewardMinutes,
		"tan_groups":          t.TANGroups,
		"proof_type":          t.ProofType,
		"ai_verify":           t.AIVerify,
		"recurrence":          t.Recurrence,
		"auto_detect_app":     t.AutoDetectApp,
		"auto_detect_minutes": t.AutoDetectMinutes,
		"streak_threshold":    t.StreakThreshold,
		"active":              t.Active,
		"created_at":          fmtTime(t.CreatedAt),
		"updated_at":          fmtTime(t.UpdatedAt),
	}
}

func formatQuestInstance(q *core.QuestInstance) gin.H {
	return gin.H{
		"id":               q.ID,
		"template_id":      q.TemplateID,
		"child_id":         q.ChildID,
		"status":           q.Status,
		"claimed_at":       fmtTimePtr(q.ClaimedAt),
		"proof_url":        q.ProofURL,
		"reviewed_by":      q.ReviewedBy,
		"reviewed_at":      fmtTimePtr(q.ReviewedAt),
		"generated_tan_id": q.GeneratedTANID,
		"created_at":       fmtTime(q.CreatedAt),
	}
}
