package plans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:lectern_plans_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	if err := db.AutoMigrate(&ProgressEntry{}); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	return db
}

func newTestLibrary(t *testing.T) *Library {
	t.Helper()
	dir := t.TempDir()
	writePlanFile(t, dir, "john.yaml", planYAML("john-21", "John in 21 Days", "John 1")+
		"  - readings:\n      - John 2\n  - readings:\n      - John 3\n")
	writePlanFile(t, dir, "mark.yaml", planYAML("mark-16", "Mark in 16 Days", "Mark 1"))
	library, err := NewLibrary(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected library error: %v", err)
	}
	return library
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestTracker(t *testing.T) (*Tracker, *manualClock) {
	t.Helper()
	clock := newManualClock(time.Unix(1700000600, 0).UTC())
	tracker, err := NewTracker(TrackerConfig{
		Database: newTestDatabase(t),
		Library:  newTestLibrary(t),
		Clock:    clock.Now,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected tracker error: %v", err)
	}
	return tracker, clock
}

func TestMarkDayKeepsFirstCompletionTime(t *testing.T) {
	tracker, clock := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.MarkDay(ctx, "user-1", "john-21", 1); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	first := clock.Now().Unix()

	clock.Advance(3 * time.Hour)
	if err := tracker.MarkDay(ctx, "user-1", "john-21", 1); err != nil {
		t.Fatalf("unexpected re-mark error: %v", err)
	}

	summary, err := tracker.Progress(ctx, "user-1", "john-21")
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if len(summary.Completed) != 1 {
		t.Fatalf("expected one completed day, got %d", len(summary.Completed))
	}
	if summary.Completed[0].CompletedAtSeconds != first {
		t.Fatalf("expected original completion time %d, got %d", first, summary.Completed[0].CompletedAtSeconds)
	}
}

func TestMarkDayValidates(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.MarkDay(ctx, "user-1", "no-such-plan", 1); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
	if err := tracker.MarkDay(ctx, "user-1", "john-21", 0); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("expected ErrDayOutOfRange for day 0, got %v", err)
	}
	if err := tracker.MarkDay(ctx, "user-1", "john-21", 4); !errors.Is(err, ErrDayOutOfRange) {
		t.Fatalf("expected ErrDayOutOfRange for day 4, got %v", err)
	}
	if err := tracker.MarkDay(ctx, "   ", "john-21", 1); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestUnmarkDayClearsCompletion(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.MarkDay(ctx, "user-1", "john-21", 2); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if err := tracker.UnmarkDay(ctx, "user-1", "john-21", 2); err != nil {
		t.Fatalf("unexpected unmark error: %v", err)
	}
	if err := tracker.UnmarkDay(ctx, "user-1", "john-21", 2); err != nil {
		t.Fatalf("expected repeated unmark to be a no-op, got %v", err)
	}

	summary, err := tracker.Progress(ctx, "user-1", "john-21")
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if len(summary.Completed) != 0 {
		t.Fatalf("expected no completed days, got %d", len(summary.Completed))
	}
}

func TestProgressSummaryShape(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	for _, day := range []int{3, 1} {
		if err := tracker.MarkDay(ctx, "user-1", "john-21", day); err != nil {
			t.Fatalf("unexpected mark error: %v", err)
		}
	}

	summary, err := tracker.Progress(ctx, "user-1", "john-21")
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if summary.PlanID != "john-21" || summary.Name != "John in 21 Days" {
		t.Fatalf("unexpected identity: %+v", summary)
	}
	if summary.TotalDays != 3 {
		t.Fatalf("expected 3 total days, got %d", summary.TotalDays)
	}
	if len(summary.Completed) != 2 || summary.Completed[0].Day != 1 || summary.Completed[1].Day != 3 {
		t.Fatalf("expected days ordered 1,3, got %+v", summary.Completed)
	}
}

func TestProgressRejectsUnknownPlan(t *testing.T) {
	tracker, _ := newTestTracker(t)
	if _, err := tracker.Progress(context.Background(), "user-1", "no-such-plan"); !errors.Is(err, ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestOverviewGroupsByPlanAndSkipsRemoved(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.MarkDay(ctx, "user-1", "john-21", 1); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if err := tracker.MarkDay(ctx, "user-1", "john-21", 2); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if err := tracker.MarkDay(ctx, "user-1", "mark-16", 1); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	// A row left behind by a plan whose file has been deleted.
	orphan := ProgressEntry{UserID: "user-1", PlanID: "retired", Day: 1, CompletedAtSeconds: 1}
	if err := tracker.db.Create(&orphan).Error; err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	// Another user's rows stay out of the overview.
	if err := tracker.MarkDay(ctx, "user-2", "mark-16", 1); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}

	summaries, err := tracker.Overview(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected overview error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	if summaries[0].PlanID != "john-21" || len(summaries[0].Completed) != 2 {
		t.Fatalf("unexpected first summary: %+v", summaries[0])
	}
	if summaries[1].PlanID != "mark-16" || len(summaries[1].Completed) != 1 {
		t.Fatalf("unexpected second summary: %+v", summaries[1])
	}
}
