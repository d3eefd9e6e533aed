package storage

import (
	"context"
	"time"

	"heimdall/internal/core"
)

// Store defines the interface for data persistence
type Store interface {
	// Families
	CreateFamily(ctx context.Context, family *core.Family) error
	GetFamily(ctx context.Context, id string) (*core.Family, error)
	ListFamilies(ctx context.Context) ([]*core.Family, error)
	UpdateFamily(ctx context.Context, family *core.Family) error
	DeleteFamily(ctx context.Context, id string) error

	// Users
	CreateUser(ctx context.Context, user *core.User) error
	GetUser(ctx context.Context, id string) (*core.User, error)
	ListChildren(ctx context.Context, familyID string) ([]*core.User, error)
	UpdateUserTOTP(ctx context.Context, userID string, secret string, enabled bool, mode core.TOTPMode, tanMinutes, overrideMinutes int) error

	// Devices
	CreateDevice(ctx context.Context, device *core.Device) error
	GetDevice(ctx context.Context, id string) (*core.Device, error)
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*core.Device, error)
	ListDevicesByChild(ctx context.Context, childID string) ([]*core.Device, error)
	UpdateDeviceLastSeen(ctx context.Context, id string, seenAt time.Time) error
	UpdateDeviceStatus(ctx context.Context, id string, status core.DeviceStatus) error

	// Device couplings
	UpsertCoupling(ctx context.Context, coupling *core.DeviceCoupling) error
	GetCouplingByChild(ctx context.Context, childID string) (*core.DeviceCoupling, error)
	DeleteCoupling(ctx context.Context, childID string) error

	// App groups
	CreateAppGroup(ctx context.Context, group *core.AppGroup) error
	GetAppGroup(ctx context.Context, id string) (*core.AppGroup, error)
	ListAppGroupsByChild(ctx context.Context, childID string) ([]*core.AppGroup, error)
	UpdateAppGroup(ctx context.Context, group *core.AppGroup) error
	DeleteAppGroup(ctx context.Context, id string) error
	CreateAppGroupApp(ctx context.Context, app *core.AppGroupApp) error
	ListAppsByGroup(ctx context.Context, groupID string) ([]*core.AppGroupApp, error)
	ListAppsByChild(ctx context.Context, childID string) ([]*core.AppGroupApp, error)
	DeleteAppGroupApp(ctx context.Context, id string) error

	// Time rules
	CreateTimeRule(ctx context.Context, rule *core.TimeRule) error
	GetTimeRule(ctx context.Context, id string) (*core.TimeRule, error)
	ListTimeRulesByChild(ctx context.Context, childID string) ([]*core.TimeRule, error)
	ListActiveTimeRules(ctx context.Context, childID string, date time.Time) ([]*core.TimeRule, error)
	UpdateTimeRule(ctx context.Context, rule *core.TimeRule) error
	DeleteTimeRule(ctx context.Context, id string) error

	// Day type overrides
	CreateDayTypeOverride(ctx context.Context, o *core.DayTypeOverride) error
	InsertOverrideIfAbsent(ctx context.Context, o *core.DayTypeOverride) (bool, error)
	GetDayTypeOverride(ctx context.Context, familyID string, date time.Time) (*core.DayTypeOverride, error)
	ListDayTypeOverrides(ctx context.Context, familyID string, from, to time.Time) ([]*core.DayTypeOverride, error)
	DeleteDayTypeOverride(ctx context.Context, familyID, id string) error

	// TANs
	CreateTAN(ctx context.Context, tan *core.TAN) error
	GetTAN(ctx context.Context, id string) (*core.TAN, error)
	GetTANByCode(ctx context.Context, code string) (*core.TAN, error)
	ListTANsByChild(ctx context.Context, childID string) ([]*core.TAN, error)
	ListActiveTANs(ctx context.Context, childID string, now time.Time) ([]*core.TAN, error)
	ListRedeemedTANs(ctx context.Context, childID string, from, to time.Time) ([]*core.TAN, error)
	MarkTANRedeemed(ctx context.Context, id string, redeemedAt time.Time) (bool, error)
	InvalidateTAN(ctx context.Context, id string) error
	ExpireOverdueTANs(ctx context.Context, now time.Time) (int64, error)
	DeleteTerminalTANsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// TAN schedules
	CreateTANSchedule(ctx context.Context, schedule *core.TANSchedule) error
	GetTANSchedule(ctx context.Context, id string) (*core.TANSchedule, error)
	ListActiveTANSchedules(ctx context.Context) ([]*core.TANSchedule, error)
	UpdateTANSchedule(ctx context.Context, schedule *core.TANSchedule) error
	DeleteTANSchedule(ctx context.Context, id string) error
	HasScheduleLog(ctx context.Context, scheduleID string, date time.Time) (bool, error)
	CreateTANScheduleLog(ctx context.Context, log *core.TANScheduleLog) error

	// Quest templates and instances
	CreateQuestTemplate(ctx context.Context, template *core.QuestTemplate) error
	GetQuestTemplate(ctx context.Context, id string) (*core.QuestTemplate, error)
	ListActiveQuestTemplates(ctx context.Context, familyID string) ([]*core.QuestTemplate, error)
	UpdateQuestTemplate(ctx context.Context, template *core.QuestTemplate) error
	DeleteQuestTemplate(ctx context.Context, id string) error
	HasQuestInstanceSince(ctx context.Context, templateID, childID string, since time.Time) (bool, error)
	CreateQuestInstance(ctx context.Context, quest *core.QuestInstance) error
	GetQuestInstance(ctx context.Context, id string) (*core.QuestInstance, error)
	ListQuestInstancesByChild(ctx context.Context, childID string) ([]*core.QuestInstance, error)
	UpdateQuestInstance(ctx context.Context, quest *core.QuestInstance) error

	// Usage events
	CreateUsageEvent(ctx context.Context, event *core.UsageEvent) error
	SumUsageSeconds(ctx context.Context, deviceIDs []string, since time.Time) (int, error)
	SumGroupUsageSeconds(ctx context.Context, deviceIDs []string, groupID string, since time.Time) (int, error)
	SumChildUsageSeconds(ctx context.Context, childID, groupID string, from, to time.Time) (int, error)
	DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Usage reward rules and logs
	CreateUsageRewardRule(ctx context.Context, rule *core.UsageRewardRule) error
	GetUsageRewardRule(ctx context.Context, id string) (*core.UsageRewardRule, error)
	ListActiveUsageRewardRules(ctx context.Context) ([]*core.UsageRewardRule, error)
	UpdateUsageRewardRule(ctx context.Context, rule *core.UsageRewardRule) error
	DeleteUsageRewardRule(ctx context.Context, id string) error
	GetUsageRewardLog(ctx context.Context, ruleID string, date time.Time) (*core.UsageRewardLog, error)
	CreateUsageRewardLog(ctx context.Context, log *core.UsageRewardLog) error

	// Family invitations
	CreateInvitation(ctx context.Context, inv *core.FamilyInvitation) error
	GetInvitationByCode(ctx context.Context, code string) (*core.FamilyInvitation, error)
	MarkInvitationUsed(ctx context.Context, id, usedBy string, usedAt time.Time) error

	// Refresh tokens
	CreateRefreshToken(ctx context.Context, token *core.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*core.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
