package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxIdentifierLength = 190

// ProgressEntry records one completed day of one plan for one user.
type ProgressEntry struct {
	UserID             string `gorm:"column:user_id;size:190;primaryKey"`
	PlanID             string `gorm:"column:plan_id;size:190;primaryKey"`
	Day                int    `gorm:"column:day;primaryKey"`
	CompletedAtSeconds int64  `gorm:"column:completed_at_s;not null"`
}

// TableName binds the model to its table.
func (ProgressEntry) TableName() string {
	return "plan_progress"
}

// CompletedDay is one finished day in a progress summary.
type CompletedDay struct {
	Day                int   `json:"day"`
	CompletedAtSeconds int64 `json:"completed_at_s"`
}

// ProgressSummary reports a user's standing in one plan.
type ProgressSummary struct {
	PlanID    string         `json:"plan_id"`
	Name      string         `json:"name"`
	TotalDays int            `json:"total_days"`
	Completed []CompletedDay `json:"completed"`
}

// TrackerConfig wires a progress Tracker.
type TrackerConfig struct {
	Database *gorm.DB
	Library  *Library
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Tracker stores per-user day completion against the loaded catalog.
type Tracker struct {
	db      *gorm.DB
	library *Library
	now     func() time.Time
	logger  *zap.Logger
}

// NewTracker constructs the progress tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("plans: database connection required")
	}
	if cfg.Library == nil {
		return nil, fmt.Errorf("plans: plan library required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		db:      cfg.Database,
		library: cfg.Library,
		now:     clock,
		logger:  logger,
	}, nil
}

// MarkDay records a day as completed. Re-marking a finished day keeps the
// original completion time.
func (t *Tracker) MarkDay(ctx context.Context, userID, planID string, day int) error {
	user, err := normalizeUser(userID)
	if err != nil {
		return err
	}
	if err := t.checkDay(planID, day); err != nil {
		return err
	}

	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ProgressEntry
		err := tx.
			Where("user_id = ? AND plan_id = ? AND day = ?", user, planID, day).
			Take(&existing).
			Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		entry := ProgressEntry{
			UserID:             user,
			PlanID:             planID,
			Day:                day,
			CompletedAtSeconds: t.now().Unix(),
		}
		return tx.Create(&entry).Error
	})
}

// UnmarkDay clears a completed day. Clearing an unmarked day is a no-op.
func (t *Tracker) UnmarkDay(ctx context.Context, userID, planID string, day int) error {
	user, err := normalizeUser(userID)
	if err != nil {
		return err
	}
	if err := t.checkDay(planID, day); err != nil {
		return err
	}
	return t.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ? AND day = ?", user, planID, day).
		Delete(&ProgressEntry{}).
		Error
}

// Progress summarizes a user's standing in one plan.
func (t *Tracker) Progress(ctx context.Context, userID, planID string) (ProgressSummary, error) {
	user, err := normalizeUser(userID)
	if err != nil {
		return ProgressSummary{}, err
	}
	plan, ok := t.library.Plan(planID)
	if !ok {
		return ProgressSummary{}, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}

	var entries []ProgressEntry
	err = t.db.WithContext(ctx).
		Where("user_id = ? AND plan_id = ?", user, planID).
		Order("day ASC").
		Find(&entries).
		Error
	if err != nil {
		return ProgressSummary{}, err
	}
	return summarize(plan, entries), nil
}

// Overview summarizes every plan the user has progress in. Rows for plans
// no longer in the catalog are skipped.
func (t *Tracker) Overview(ctx context.Context, userID string) ([]ProgressSummary, error) {
	user, err := normalizeUser(userID)
	if err != nil {
		return nil, err
	}

	var entries []ProgressEntry
	err = t.db.WithContext(ctx).
		Where("user_id = ?", user).
		Order("plan_id ASC, day ASC").
		Find(&entries).
		Error
	if err != nil {
		return nil, err
	}

	summaries := make([]ProgressSummary, 0)
	var group []ProgressEntry
	flush := func() {
		if len(group) == 0 {
			return
		}
		if plan, ok := t.library.Plan(group[0].PlanID); ok {
			summaries = append(summaries, summarize(plan, group))
		}
		group = nil
	}
	for _, entry := range entries {
		if len(group) > 0 && group[0].PlanID != entry.PlanID {
			flush()
		}
		group = append(group, entry)
	}
	flush()
	return summaries, nil
}

func summarize(plan Plan, entries []ProgressEntry) ProgressSummary {
	summary := ProgressSummary{
		PlanID:    plan.ID,
		Name:      plan.Name,
		TotalDays: len(plan.Days),
		Completed: make([]CompletedDay, 0, len(entries)),
	}
	for _, entry := range entries {
		if entry.Day < 1 || entry.Day > len(plan.Days) {
			// A stale row from an older, longer revision of the plan.
			continue
		}
		summary.Completed = append(summary.Completed, CompletedDay{
			Day:                entry.Day,
			CompletedAtSeconds: entry.CompletedAtSeconds,
		})
	}
	return summary
}

func (t *Tracker) checkDay(planID string, day int) error {
	plan, ok := t.library.Plan(planID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	if day < 1 || day > len(plan.Days) {
		return fmt.Errorf("%w: day %d of %d", ErrDayOutOfRange, day, len(plan.Days))
	}
	return nil
}

func normalizeUser(raw string) (string, error) {
	user := strings.TrimSpace(raw)
	if user == "" || len(user) > maxIdentifierLength {
		return "", ErrInvalidUser
	}
	return user, nil
}
