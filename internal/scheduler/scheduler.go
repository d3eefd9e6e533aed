package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"heimdall/internal/core"
	"heimdall/internal/holiday"
	"heimdall/internal/idgen"
	"heimdall/internal/push"
	"heimdall/internal/storage"
	"heimdall/internal/tan"
)

// Wall-clock fire times, UTC
const (
	questHour, questMinute         = 0, 5
	rewardHour, rewardMinute       = 0, 10
	scheduleHour, scheduleMinute   = 0, 15
	retentionHour, retentionMinute = 3, 0

	usageRetentionDays = 90
	tanRetentionDays   = 30
)

// Scheduler owns the background loops: quest instantiation, usage
// rewards, TAN schedules, holiday sync and the retention sweep
type Scheduler struct {
	store    storage.Store
	tans     *tan.Engine
	holidays *holiday.Syncer
	events   *push.Orchestrator
	clock    core.Clock
	logger   *slog.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(store storage.Store, tans *tan.Engine, holidays *holiday.Syncer, events *push.Orchestrator, clock core.Clock, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		tans:     tans,
		holidays: holidays,
		events:   events,
		clock:    clock,
		logger:   logger.With("component", "scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background loops
func (s *Scheduler) Start() {
	s.logger.Info("scheduler started")

	s.wg.Add(5)
	go s.runDaily("quests", questHour, questMinute, true, func(ctx context.Context) { s.RunQuestScheduler(ctx) })
	go s.runDaily("usage_rewards", rewardHour, rewardMinute, true, func(ctx context.Context) { s.RunUsageRewards(ctx) })
	go s.runDaily("tan_schedules", scheduleHour, scheduleMinute, true, func(ctx context.Context) { s.RunTANSchedules(ctx) })
	go s.runDaily("retention", retentionHour, retentionMinute, false, s.RunRetention)
	go s.runYearly("holiday_sync", s.RunHolidaySync)
}

// Stop signals all loops and waits for them to finish
func (s *Scheduler) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// runDaily fires a job at a fixed UTC wall-clock time. With runNow set
// the job also fires once at startup.
func (s *Scheduler) runDaily(name string, hour, minute int, runNow bool, job func(context.Context)) {
	defer s.wg.Done()

	if runNow {
		s.safeRun(name, job)
	}

	for {
		select {
		case <-time.After(s.untilNext(hour, minute)):
			s.safeRun(name, job)
		case <-s.stopChan:
			return
		}
	}
}

// runYearly fires a job at startup and then every January 1st
func (s *Scheduler) runYearly(name string, job func(context.Context)) {
	defer s.wg.Done()

	s.safeRun(name, job)

	for {
		select {
		case <-time.After(s.untilNextYear()):
			s.safeRun(name, job)
		case <-s.stopChan:
			return
		}
	}
}

// safeRun keeps a panicking job from killing its loop
func (s *Scheduler) safeRun(name string, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler job panicked", "job", name, "panic", r)
		}
	}()

	job(context.Background())
}

// untilNext returns the duration until the next hh:mm UTC
func (s *Scheduler) untilNext(hour, minute int) time.Duration {
	now := s.clock.Now().UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

func (s *Scheduler) untilNextYear() time.Duration {
	now := s.clock.Now().UTC()
	next := time.Date(now.Year()+1, time.January, 1, 0, 15, 0, 0, time.UTC)
	return next.Sub(now)
}

// dayInfo captures what kind of day a date is for one family
type dayInfo struct {
	weekday   bool
	schoolDay bool
}

func (s *Scheduler) dayInfo(ctx context.Context, familyID string, date time.Time) (dayInfo, error) {
	overrideType := ""
	override, err := s.store.GetDayTypeOverride(ctx, familyID, date)
	if err != nil && !errors.Is(err, core.ErrOverrideNotFound) {
		return dayInfo{}, err
	}
	if override != nil {
		overrideType = override.DayType
	}

	return dayInfo{
		weekday:   core.FallbackDayType(date) == core.DayTypeWeekday,
		schoolDay: core.IsSchoolDay(date, overrideType),
	}, nil
}

// RunQuestScheduler instantiates recurring quest templates for every
// child, at most once per template and day. Returns the number of
// instances created.
func (s *Scheduler) RunQuestScheduler(ctx context.Context) int {
	today := core.StartOfDay(s.clock.Now().UTC())

	families, err := s.store.ListFamilies(ctx)
	if err != nil {
		s.logger.Error("failed to list families", "error", err)
		return 0
	}

	created := 0
	for _, family := range families {
		day, err := s.dayInfo(ctx, family.ID, today)
		if err != nil {
			s.logger.Error("failed to resolve day info", "family_id", family.ID, "error", err)
			continue
		}

		templates, err := s.store.ListActiveQuestTemplates(ctx, family.ID)
		if err != nil {
			s.logger.Error("failed to list quest templates", "family_id", family.ID, "error", err)
			continue
		}
		if len(templates) == 0 {
			continue
		}

		children, err := s.store.ListChildren(ctx, family.ID)
		if err != nil {
			s.logger.Error("failed to list children", "family_id", family.ID, "error", err)
			continue
		}

		for _, template := range templates {
			if !questDue(template, day, today) {
				continue
			}

			for _, child := range children {
				exists, err := s.store.HasQuestInstanceSince(ctx, template.ID, child.ID, today)
				if err != nil {
					s.logger.Error("failed to check quest instance",
						"template_id", template.ID, "child_id", child.ID, "error", err)
					continue
				}
				if exists {
					continue
				}

				quest := &core.QuestInstance{
					ID:         idgen.NewQuest(),
					TemplateID: template.ID,
					ChildID:    child.ID,
					Status:     core.QuestStatusAvailable,
				}
				if err := s.store.CreateQuestInstance(ctx, quest); err != nil {
					s.logger.Error("failed to create quest instance",
						"template_id", template.ID, "child_id", child.ID, "error", err)
					continue
				}
				created++
			}
		}
	}

	s.logger.Info("quest scheduler finished", "created", created, "families", len(families))
	return created
}

// questDue reports whether a template recurs today. Weekly templates
// fire on the weekday they were created on; once templates never
// recur.
func questDue(template *core.QuestTemplate, day dayInfo, today time.Time) bool {
	switch template.Recurrence {
	case core.QuestRecurrenceDaily:
		return true
	case core.QuestRecurrenceWeekly:
		return today.Weekday() == template.CreatedAt.Weekday()
	case core.QuestRecurrenceSchoolDays:
		return day.schoolDay
	default:
		return false
	}
}

// RunUsageRewards evaluates every active reward rule against
// yesterday's usage, once per rule and date. Returns the number of
// bonus TANs generated.
func (s *Scheduler) RunUsageRewards(ctx context.Context) int {
	now := s.clock.Now().UTC()
	yesterday := core.StartOfDay(now.AddDate(0, 0, -1))
	dayEnd := yesterday.AddDate(0, 0, 1)

	rules, err := s.store.ListActiveUsageRewardRules(ctx)
	if err != nil {
		s.logger.Error("failed to list reward rules", "error", err)
		return 0
	}

	generated := 0
	for _, rule := range rules {
		if _, err := s.store.GetUsageRewardLog(ctx, rule.ID, yesterday); err == nil {
			continue
		} else if !errors.Is(err, core.ErrRewardNotFound) {
			s.logger.Error("failed to check reward log", "rule_id", rule.ID, "error", err)
			continue
		}

		seconds, err := s.store.SumChildUsageSeconds(ctx, rule.ChildID, rule.TargetGroupID, yesterday, dayEnd)
		if err != nil {
			s.logger.Error("failed to sum usage", "rule_id", rule.ID, "error", err)
			continue
		}
		usageMinutes := seconds / 60

		rewarded, err := s.rewardDue(ctx, rule, usageMinutes, yesterday)
		if err != nil {
			s.logger.Error("failed to evaluate reward trigger", "rule_id", rule.ID, "error", err)
			continue
		}

		logRow := &core.UsageRewardLog{
			ID:               idgen.NewLog(),
			RuleID:           rule.ID,
			ChildID:          rule.ChildID,
			EvaluatedDate:    yesterday,
			UsageMinutes:     usageMinutes,
			ThresholdMinutes: rule.ThresholdMinutes,
			Rewarded:         rewarded,
		}

		if rewarded {
			minutes := rule.RewardMinutes
			bonus, err := s.tans.Generate(ctx, tan.GenerateParams{
				ChildID:      rule.ChildID,
				Type:         core.TANTypeTime,
				ValueMinutes: &minutes,
				ScopeGroups:  rule.RewardGroupIDs,
				SingleUse:    true,
				Source:       core.TANSourceUsageReward,
			})
			if err != nil {
				s.logger.Error("failed to generate reward TAN", "rule_id", rule.ID, "error", err)
				continue
			}
			logRow.GeneratedTANID = bonus.ID
			generated++
			s.logger.Info("usage reward granted",
				"rule", rule.Name, "child_id", rule.ChildID,
				"usage_minutes", usageMinutes, "threshold_minutes", rule.ThresholdMinutes,
				"reward_minutes", rule.RewardMinutes)
		}

		if err := s.store.CreateUsageRewardLog(ctx, logRow); err != nil {
			s.logger.Error("failed to record reward evaluation", "rule_id", rule.ID, "error", err)
		}
	}

	return generated
}

func (s *Scheduler) rewardDue(ctx context.Context, rule *core.UsageRewardRule, usageMinutes int, date time.Time) (bool, error) {
	switch rule.TriggerType {
	case core.TriggerDailyUnder:
		return usageMinutes < rule.ThresholdMinutes, nil
	case core.TriggerGroupFree:
		return usageMinutes == 0, nil
	case core.TriggerStreakUnder:
		return s.streakMet(ctx, rule, usageMinutes, date)
	default:
		return false, nil
	}
}

// streakMet requires the evaluated date and the streak_days-1
// preceding evaluations to all stay under the threshold. A missing
// prior evaluation breaks the streak.
func (s *Scheduler) streakMet(ctx context.Context, rule *core.UsageRewardRule, usageMinutes int, date time.Time) (bool, error) {
	if usageMinutes >= rule.ThresholdMinutes {
		return false, nil
	}

	days := rule.StreakDays
	if days == 0 {
		days = 3
	}

	for i := 1; i < days; i++ {
		prior, err := s.store.GetUsageRewardLog(ctx, rule.ID, date.AddDate(0, 0, -i))
		if errors.Is(err, core.ErrRewardNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if prior.UsageMinutes >= rule.ThresholdMinutes {
			return false, nil
		}
	}

	return true, nil
}

// RunTANSchedules generates TANs for active schedules whose recurrence
// matches today, once per schedule and date. Returns the number
// generated.
func (s *Scheduler) RunTANSchedules(ctx context.Context) int {
	now := s.clock.Now().UTC()
	today := core.StartOfDay(now)

	schedules, err := s.store.ListActiveTANSchedules(ctx)
	if err != nil {
		s.logger.Error("failed to list TAN schedules", "error", err)
		return 0
	}

	familyByChild := map[string]string{}
	dayByFamily := map[string]dayInfo{}

	generated := 0
	for _, schedule := range schedules {
		familyID, ok := familyByChild[schedule.ChildID]
		if !ok {
			child, err := s.store.GetUser(ctx, schedule.ChildID)
			if err != nil {
				s.logger.Error("failed to load child", "schedule_id", schedule.ID, "error", err)
				continue
			}
			familyID = child.FamilyID
			familyByChild[schedule.ChildID] = familyID
		}

		day, ok := dayByFamily[familyID]
		if !ok {
			var err error
			day, err = s.dayInfo(ctx, familyID, today)
			if err != nil {
				s.logger.Error("failed to resolve day info", "family_id", familyID, "error", err)
				continue
			}
			dayByFamily[familyID] = day
		}

		if !scheduleDue(schedule, day) {
			continue
		}

		done, err := s.store.HasScheduleLog(ctx, schedule.ID, today)
		if err != nil {
			s.logger.Error("failed to check schedule log", "schedule_id", schedule.ID, "error", err)
			continue
		}
		if done {
			continue
		}

		generatedTAN, err := s.tans.Generate(ctx, tan.GenerateParams{
			ChildID:      schedule.ChildID,
			Type:         schedule.TANType,
			ValueMinutes: schedule.ValueMinutes,
			ScopeGroups:  schedule.ScopeGroups,
			ExpiresAt:    now.Add(time.Duration(schedule.ExpiresAfterHours) * time.Hour),
			SingleUse:    true,
			Source:       core.TANSourceScheduled,
		})
		if err != nil {
			s.logger.Error("failed to generate scheduled TAN", "schedule_id", schedule.ID, "error", err)
			continue
		}

		logRow := &core.TANScheduleLog{
			ID:             idgen.NewLog(),
			ScheduleID:     schedule.ID,
			GeneratedDate:  today,
			GeneratedTANID: generatedTAN.ID,
		}
		if err := s.store.CreateTANScheduleLog(ctx, logRow); err != nil {
			s.logger.Error("failed to record schedule log", "schedule_id", schedule.ID, "error", err)
		}

		s.events.NotifyParentEvent(ctx, familyID, "TAN automatisch erstellt",
			fmt.Sprintf("%s: %s", schedule.Name, generatedTAN.Code), "tan", schedule.ChildID)
		generated++
	}

	s.logger.Info("TAN scheduler finished", "generated", generated)
	return generated
}

func scheduleDue(schedule *core.TANSchedule, day dayInfo) bool {
	switch schedule.Recurrence {
	case core.ScheduleDaily:
		return true
	case core.ScheduleWeekdays:
		return day.weekday
	case core.ScheduleWeekends:
		return !day.weekday
	case core.ScheduleSchoolDays:
		return day.schoolDay
	default:
		return false
	}
}

// RunRetention expires overdue TANs and deletes stale rows: usage
// events after 90 days, terminal TANs after 30, spent refresh tokens
func (s *Scheduler) RunRetention(ctx context.Context) {
	now := s.clock.Now().UTC()

	expired, err := s.store.ExpireOverdueTANs(ctx, now)
	if err != nil {
		s.logger.Error("failed to expire overdue TANs", "error", err)
	}

	usageDeleted, err := s.store.DeleteUsageEventsBefore(ctx, now.AddDate(0, 0, -usageRetentionDays))
	if err != nil {
		s.logger.Error("failed to delete old usage events", "error", err)
	}

	tansDeleted, err := s.store.DeleteTerminalTANsBefore(ctx, now.AddDate(0, 0, -tanRetentionDays))
	if err != nil {
		s.logger.Error("failed to delete old TANs", "error", err)
	}

	tokensDeleted, err := s.store.DeleteExpiredRefreshTokens(ctx, now)
	if err != nil {
		s.logger.Error("failed to delete expired refresh tokens", "error", err)
	}

	s.logger.Info("retention sweep finished",
		"tans_expired", expired, "usage_events_deleted", usageDeleted,
		"tans_deleted", tansDeleted, "tokens_deleted", tokensDeleted)
}

// RunHolidaySync pulls the holiday calendar for the current and next
// year into every family's override table. A nil syncer disables the
// job.
func (s *Scheduler) RunHolidaySync(ctx context.Context) {
	if s.holidays == nil {
		return
	}

	year := s.clock.Now().UTC().Year()
	created := s.holidays.SyncAll(ctx, year)
	created += s.holidays.SyncAll(ctx, year+1)
	s.logger.Info("holiday sync finished", "created", created)
}
