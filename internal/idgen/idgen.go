package idgen

import (
	"github.com/google/uuid"
)

// ID prefixes for different models
const (
	PrefixFamily     = "fam_"
	PrefixUser       = "usr_"
	PrefixDevice     = "dev_"
	PrefixCoupling   = "cpl_"
	PrefixGroup      = "grp_"
	PrefixGroupApp   = "app_"
	PrefixRule       = "rule_"
	PrefixOverride   = "ovr_"
	PrefixTAN        = "tan_"
	PrefixSchedule   = "sch_"
	PrefixTemplate   = "qt_"
	PrefixQuest      = "qi_"
	PrefixUsageEvent = "evt_"
	PrefixReward     = "rwd_"
	PrefixInvitation = "inv_"
	PrefixLog        = "log_"
)

// NewFamily generates a new family ID with fam_ prefix
func NewFamily() string {
	return PrefixFamily + uuid.New().String()
}

// NewUser generates a new user ID with usr_ prefix
func NewUser() string {
	return PrefixUser + uuid.New().String()
}

// NewDevice generates a new device ID with dev_ prefix
func NewDevice() string {
	return PrefixDevice + uuid.New().String()
}

// NewCoupling generates a new device coupling ID with cpl_ prefix
func NewCoupling() string {
	return PrefixCoupling + uuid.New().String()
}

// NewGroup generates a new app group ID with grp_ prefix
func NewGroup() string {
	return PrefixGroup + uuid.New().String()
}

// NewGroupApp generates a new group member app ID with app_ prefix
func NewGroupApp() string {
	return PrefixGroupApp + uuid.New().String()
}

// NewRule generates a new time rule ID with rule_ prefix
func NewRule() string {
	return PrefixRule + uuid.New().String()
}

// NewOverride generates a new day type override ID with ovr_ prefix
func NewOverride() string {
	return PrefixOverride + uuid.New().String()
}

// NewTAN generates a new TAN ID with tan_ prefix
func NewTAN() string {
	return PrefixTAN + uuid.New().String()
}

// NewSchedule generates a new TAN schedule ID with sch_ prefix
func NewSchedule() string {
	return PrefixSchedule + uuid.New().String()
}

// NewTemplate generates a new quest template ID with qt_ prefix
func NewTemplate() string {
	return PrefixTemplate + uuid.New().String()
}

// NewQuest generates a new quest instance ID with qi_ prefix
func NewQuest() string {
	return PrefixQuest + uuid.New().String()
}

// NewUsageEvent generates a new usage event ID with evt_ prefix
func NewUsageEvent() string {
	return PrefixUsageEvent + uuid.New().String()
}

// NewReward generates a new usage reward rule ID with rwd_ prefix
func NewReward() string {
	return PrefixReward + uuid.New().String()
}

// NewInvitation generates a new invitation ID with inv_ prefix
func NewInvitation() string {
	return PrefixInvitation + uuid.New().String()
}

// NewLog generates a scheduler log row ID with log_ prefix
func NewLog() string {
	return PrefixLog + uuid.New().String()
}

// NewToken generates an unprefixed opaque token value
func NewToken() string {
	return uuid.New().String()
}

// New generates a generic UUID without prefix (for internal use only)
func New() string {
	return uuid.New().String()
}
