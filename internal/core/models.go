package core

import (
	"errors"
	"time"
)

// Role distinguishes parent and child accounts
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// TOTPMode selects what a valid authenticator code is exchanged for
type TOTPMode string

const (
	TOTPModeTAN      TOTPMode = "tan"      // code creates a time TAN
	TOTPModeOverride TOTPMode = "override" // code suspends enforcement locally
	TOTPModeBoth     TOTPMode = "both"     // either request mode is accepted
)

// DeviceType is the agent platform
type DeviceType string

const (
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeWindows DeviceType = "windows"
	DeviceTypeIOS     DeviceType = "ios"
)

// DeviceStatus represents the lifecycle state of a device registration
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "active"
	DeviceStatusRevoked DeviceStatus = "revoked"
)

// TANType determines what redeeming a TAN grants
type TANType string

const (
	TANTypeTime         TANType = "time"
	TANTypeGroupUnlock  TANType = "group_unlock"
	TANTypeExtendWindow TANType = "extend_window"
	TANTypeOverride     TANType = "override"
)

// TANStatus is the redemption state machine: active -> redeemed | expired
type TANStatus string

const (
	TANStatusActive   TANStatus = "active"
	TANStatusRedeemed TANStatus = "redeemed"
	TANStatusExpired  TANStatus = "expired"
)

// TANSource records which path created a TAN
type TANSource string

const (
	TANSourceQuest        TANSource = "quest"
	TANSourceParentManual TANSource = "parent_manual"
	TANSourceScheduled    TANSource = "scheduled"
	TANSourceTOTP         TANSource = "totp"
	TANSourceUsageReward  TANSource = "usage_reward"
)

// Day type classifications used by rules and overrides
const (
	DayTypeWeekday  = "weekday"
	DayTypeWeekend  = "weekend"
	DayTypeHoliday  = "holiday"
	DayTypeVacation = "vacation"
	DayTypeCustom   = "custom"
	DayTypeUnknown  = "unknown"
)

// OverrideSource distinguishes synced and hand-entered calendar overrides
type OverrideSource string

const (
	OverrideSourceAPI    OverrideSource = "api"
	OverrideSourceManual OverrideSource = "manual"
)

// TargetType is what a time rule constrains
type TargetType string

const (
	TargetTypeDevice   TargetType = "device"
	TargetTypeAppGroup TargetType = "app_group"
)

// QuestRecurrence controls automatic daily instantiation of templates
type QuestRecurrence string

const (
	QuestRecurrenceDaily      QuestRecurrence = "daily"
	QuestRecurrenceWeekly     QuestRecurrence = "weekly"
	QuestRecurrenceSchoolDays QuestRecurrence = "school_days"
	QuestRecurrenceOnce       QuestRecurrence = "once"
)

// ProofType is how a quest completion is verified
type ProofType string

const (
	ProofTypePhoto         ProofType = "photo"
	ProofTypeScreenshot    ProofType = "screenshot"
	ProofTypeParentConfirm ProofType = "parent_confirm"
	ProofTypeAuto          ProofType = "auto"
	ProofTypeChecklist     ProofType = "checklist"
)

// QuestStatus: available -> claimed -> pending_review -> approved | rejected
type QuestStatus string

const (
	QuestStatusAvailable     QuestStatus = "available"
	QuestStatusClaimed       QuestStatus = "claimed"
	QuestStatusPendingReview QuestStatus = "pending_review"
	QuestStatusApproved      QuestStatus = "approved"
	QuestStatusRejected      QuestStatus = "rejected"
)

// UsageEventType classifies device usage reports
type UsageEventType string

const (
	UsageEventStart   UsageEventType = "start"
	UsageEventStop    UsageEventType = "stop"
	UsageEventBlocked UsageEventType = "blocked"
	UsageEventUpdate  UsageEventType = "update"
)

// ScheduleRecurrence controls when a TAN schedule fires
type ScheduleRecurrence string

const (
	ScheduleDaily      ScheduleRecurrence = "daily"
	ScheduleWeekdays   ScheduleRecurrence = "weekdays"
	ScheduleWeekends   ScheduleRecurrence = "weekends"
	ScheduleSchoolDays ScheduleRecurrence = "school_days"
)

// RewardTrigger is the condition a usage-reward rule evaluates
type RewardTrigger string

const (
	TriggerDailyUnder  RewardTrigger = "daily_under"
	TriggerStreakUnder RewardTrigger = "streak_under"
	TriggerGroupFree   RewardTrigger = "group_free"
)

// Family is the top-level ownership scope
type Family struct {
	ID        string
	Name      string
	Timezone  string // IANA name, e.g. "Europe/Berlin"
	Settings  string // free-form JSON settings blob
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the family timezone, falling back to UTC
func (f *Family) Location() *time.Location {
	if f == nil || f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// User is a parent or child account within a family
type User struct {
	ID                  string
	FamilyID            string
	Role                Role
	Name                string
	Email               string // parents only
	PasswordHash        string // parents only, bcrypt
	PINHash             string // children only, bcrypt
	TOTPSecret          string
	TOTPEnabled         bool
	TOTPMode            TOTPMode
	TOTPTANMinutes      int // minutes granted per TOTP-generated time TAN
	TOTPOverrideMinutes int // minutes of local enforcement suspension
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Device is one enforced endpoint belonging to a child
type Device struct {
	ID               string
	ChildID          string
	Name             string
	Type             DeviceType
	DeviceIdentifier string // globally unique hardware identifier
	DeviceTokenHash  string // SHA-256 hex of the raw token
	Status           DeviceStatus
	LastSeen         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeviceCoupling groups a child's devices under one (optionally shared) budget
type DeviceCoupling struct {
	ID           string
	ChildID      string
	DeviceIDs    []string
	SharedBudget bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AppGroup is a named set of applications scoped to one child
type AppGroup struct {
	ID                string
	ChildID           string
	Name              string
	Category          string
	RiskLevel         string
	AlwaysAllowed     bool
	TANAllowed        bool
	MaxTANBonusPerDay int // 0 = no per-group cap
	Icon              string
	Color             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AppGroupApp is one member application of a group
type AppGroupApp struct {
	ID            string
	GroupID       string
	AppName       string
	AppPackage    string // android package name
	AppExecutable string // desktop executable name
	Platform      string
	CreatedAt     time.Time
}

// RuleGroupLimit caps one app group inside a time rule
type RuleGroupLimit struct {
	GroupID    string `json:"group_id"`
	MaxMinutes int    `json:"max_minutes"`
}

// TimeWindow is an allowed interval within a day, "HH:MM" local time
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Note  string `json:"note,omitempty"`
}

// TimeRule constrains screen time for a child on matching day types
type TimeRule struct {
	ID                string
	ChildID           string
	Name              string
	TargetType        TargetType
	TargetID          string // device or group id, empty = child-wide
	DayTypes          []string
	TimeWindows       []TimeWindow
	DailyLimitMinutes *int
	GroupLimits       []RuleGroupLimit
	Priority          int
	Active            bool
	ValidFrom         *time.Time
	ValidUntil        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DayTypeOverride pins the day type of one calendar date for a family
type DayTypeOverride struct {
	ID        string
	FamilyID  string
	Date      time.Time // normalized to start of day
	DayType   string
	Label     string
	Source    OverrideSource
	CreatedAt time.Time
}

// TAN is a single-use bypass code
type TAN struct {
	ID               string
	ChildID          string
	Code             string // WORD-NNNN, globally unique
	Type             TANType
	ScopeGroups      []string
	ScopeDevices     []string
	ValueMinutes     *int
	ValueUnlockUntil *time.Time
	ExpiresAt        time.Time
	SingleUse        bool
	Source           TANSource
	SourceQuestID    string
	Status           TANStatus
	RedeemedAt       *time.Time
	CreatedAt        time.Time
}

// TANSchedule recurringly mints TANs for a child
type TANSchedule struct {
	ID                string
	ChildID           string
	Name              string
	Recurrence        ScheduleRecurrence
	TANType           TANType
	ValueMinutes      *int
	ScopeGroups       []string
	ExpiresAfterHours int
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TANScheduleLog makes schedule generation idempotent per date
type TANScheduleLog struct {
	ID             string
	ScheduleID     string
	GeneratedDate  time.Time // normalized to start of day
	GeneratedTANID string
	CreatedAt      time.Time
}

// QuestTemplate describes a recurring or one-off quest
type QuestTemplate struct {
	ID                string
	FamilyID          string
	Name              string
	Category          string
	RewardMinutes     int
	TANGroups         []string
	ProofType         ProofType
	AIVerify          bool
	Recurrence        QuestRecurrence
	AutoDetectApp     string
	AutoDetectMinutes *int
	StreakThreshold   *int
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// QuestInstance is one child's copy of a quest on one day
type QuestInstance struct {
	ID             string
	TemplateID     string
	ChildID        string
	Status         QuestStatus
	ClaimedAt      *time.Time
	ProofURL       string
	ReviewedBy     string
	ReviewedAt     *time.Time
	GeneratedTANID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UsageEvent is one device usage report, append-only
type UsageEvent struct {
	ID              string
	DeviceID        string
	ChildID         string
	AppPackage      string
	AppGroupID      string
	EventType       UsageEventType
	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	CreatedAt       time.Time
}

// UsageRewardRule rewards low usage with bonus TANs
type UsageRewardRule struct {
	ID               string
	ChildID          string
	Name             string
	TriggerType      RewardTrigger
	ThresholdMinutes int
	TargetGroupID    string // empty = all usage
	StreakDays       int    // streak_under only, >= 2
	RewardMinutes    int
	RewardGroupIDs   []string
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UsageRewardLog records one evaluation of a rule for one date
type UsageRewardLog struct {
	ID               string
	RuleID           string
	ChildID          string
	EvaluatedDate    time.Time // normalized to start of day
	UsageMinutes     int
	ThresholdMinutes int
	Rewarded         bool
	GeneratedTANID   string
	CreatedAt        time.Time
}

// FamilyInvitation is a single-use join code
type FamilyInvitation struct {
	ID        string
	FamilyID  string
	Code      string
	Role      Role
	CreatedBy string
	ExpiresAt time.Time
	UsedBy    string
	UsedAt    *time.Time
	CreatedAt time.Time
}

// RefreshToken is a rotated long-lived credential for portal sessions
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Validation errors
var (
	ErrInvalidName         = errors.New("name cannot be empty")
	ErrInvalidTimezone     = errors.New("unknown timezone")
	ErrInvalidRole         = errors.New("role must be parent or child")
	ErrInvalidDeviceType   = errors.New("device type must be android, windows or ios")
	ErrNoDayTypes          = errors.New("rule needs at least one day type")
	ErrInvalidTimeWindow   = errors.New("time window must be HH:MM-HH:MM")
	ErrNoAppIdentifier     = errors.New("app needs a package or an executable")
	ErrInvalidStreakDays   = errors.New("streak rules need streak_days >= 2")
	ErrInvalidRewardValue  = errors.New("reward minutes cannot be negative")
	ErrInvalidTANValue     = errors.New("time TANs need positive value minutes")
	ErrInvalidRecurrence   = errors.New("unknown recurrence")
	ErrInvalidTriggerType  = errors.New("unknown reward trigger")
)

// Not-found and state errors shared across packages
var (
	ErrFamilyNotFound     = errors.New("family not found")
	ErrUserNotFound       = errors.New("user not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceRevoked      = errors.New("device is revoked")
	ErrCouplingNotFound   = errors.New("device coupling not found")
	ErrGroupNotFound      = errors.New("app group not found")
	ErrRuleNotFound       = errors.New("time rule not found")
	ErrOverrideNotFound   = errors.New("day type override not found")
	ErrTANNotFound        = errors.New("tan not found")
	ErrScheduleNotFound   = errors.New("tan schedule not found")
	ErrTemplateNotFound   = errors.New("quest template not found")
	ErrQuestNotFound      = errors.New("quest not found")
	ErrRewardNotFound     = errors.New("usage reward rule not found")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrTokenNotFound      = errors.New("refresh token not found")
	ErrQuestTransition    = errors.New("quest status transition not allowed")
	ErrDuplicateDevice    = errors.New("device identifier already registered")
	ErrDuplicateTANCode   = errors.New("tan code already exists")
	ErrDuplicateOverride  = errors.New("date already has an override")
)

// Validate validates a Family
func (f *Family) Validate() error {
	if f.Name == "" {
		return ErrInvalidName
	}
	if f.Timezone != "" {
		if _, err := time.LoadLocation(f.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	return nil
}

// Validate validates a User
func (u *User) Validate() error {
	if u.Name == "" {
		return ErrInvalidName
	}
	if u.Role != RoleParent && u.Role != RoleChild {
		return ErrInvalidRole
	}
	return nil
}

// Validate validates a Device
func (d *Device) Validate() error {
	if d.Name == "" {
		return ErrInvalidName
	}
	switch d.Type {
	case DeviceTypeAndroid, DeviceTypeWindows, DeviceTypeIOS:
		return nil
	default:
		return ErrInvalidDeviceType
	}
}

// Validate validates a TimeRule
func (r *TimeRule) Validate() error {
	if r.Name == "" {
		return ErrInvalidName
	}
	if len(r.DayTypes) == 0 {
		return ErrNoDayTypes
	}
	for _, w := range r.TimeWindows {
		if !validClockString(w.Start) || !validClockString(w.End) {
			return ErrInvalidTimeWindow
		}
	}
	return nil
}

// Validate validates an AppGroupApp
func (a *AppGroupApp) Validate() error {
	if a.AppPackage == "" && a.AppExecutable == "" {
		return ErrNoAppIdentifier
	}
	return nil
}

// Validate validates a UsageRewardRule
func (r *UsageRewardRule) Validate() error {
	if r.Name == "" {
		return ErrInvalidName
	}
	switch r.TriggerType {
	case TriggerDailyUnder, TriggerGroupFree:
	case TriggerStreakUnder:
		if r.StreakDays < 2 {
			return ErrInvalidStreakDays
		}
	default:
		return ErrInvalidTriggerType
	}
	if r.RewardMinutes < 0 {
		return ErrInvalidRewardValue
	}
	return nil
}

// Validate validates a QuestTemplate
func (t *QuestTemplate) Validate() error {
	if t.Name == "" {
		return ErrInvalidName
	}
	if t.RewardMinutes < 0 {
		return ErrInvalidRewardValue
	}
	switch t.Recurrence {
	case QuestRecurrenceDaily, QuestRecurrenceWeekly, QuestRecurrenceSchoolDays, QuestRecurrenceOnce:
		return nil
	default:
		return ErrInvalidRecurrence
	}
}

// CanTransition reports whether a quest may move from its current status to next
func (q *QuestInstance) CanTransition(next QuestStatus) bool {
	switch q.Status {
	case QuestStatusAvailable:
		return next == QuestStatusClaimed
	case QuestStatusClaimed:
		return next == QuestStatusPendingReview
	case QuestStatusPendingReview:
		return next == QuestStatusApproved || next == QuestStatusRejected
	default:
		return false
	}
}

func validClockString(s string) bool {
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	hh := int(s[0]-'0')*10 + int(s[1]-'0')
	mm := int(s[3]-'0')*10 + int(s[4]-'0')
	for _, c := range []byte{s[0], s[1], s[3], s[4]} {
		if c < '0' || c > '9' {
			return false
		}
	}
	return hh < 24 && mm < 60
}
