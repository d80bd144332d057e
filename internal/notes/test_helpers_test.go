package notes

import (
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
	dsn := fmt.Sprintf("file:lectern_notes_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected database error: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &NoteSection{}, &ConflictVersion{}); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *manualClock) {
	t.Helper()
	return newTestServiceWithTTL(t, DefaultLockTTL)
}

func newTestServiceWithTTL(t *testing.T, ttl time.Duration) (*Service, *manualClock) {
	t.Helper()
	clock := newManualClock(time.Unix(1700000600, 0).UTC())
	service, err := NewService(ServiceConfig{
		Database:   newTestDatabase(t),
		Clock:      clock.Now,
		IDProvider: &staticIDGenerator{},
		Logger:     zap.NewNop(),
		LockTTL:    ttl,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return service, clock
}

type staticIDGenerator struct {
	mu      sync.Mutex
	counter int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("id-%03d", g.counter), nil
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

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustChapter(t *testing.T, book, chapter int) ChapterRef {
	t.Helper()
	chapterRef, err := NewChapterRef(book, chapter)
	if err != nil {
		t.Fatalf("unexpected chapter error: %v", err)
	}
	return chapterRef
}

func generalDraft(content string) []SectionDraft {
	return []SectionDraft{{Kind: SectionKindGeneral, Content: content}}
}
