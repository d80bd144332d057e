package notes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lecternlabs/lectern/internal/ref"
)

const maxIdentifierLength = 190

// KeepCurrentVersionID selects the note's current content when resolving a
// conflict, discarding every stored divergent version.
const KeepCurrentVersionID = "current"

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("notes: invalid device id")
	// ErrInvalidChapter indicates a book or chapter outside the canon.
	ErrInvalidChapter = errors.New("notes: invalid chapter")
	// ErrInvalidSection indicates a section draft with an inconsistent shape.
	ErrInvalidSection = errors.New("notes: invalid section")
)

// UserID represents a validated note owner identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// ChapterRef addresses one chapter of one canonical book.
type ChapterRef struct {
	Book    int
	Chapter int
}

// NewChapterRef validates the book number and chapter against the canon.
func NewChapterRef(book int, chapter int) (ChapterRef, error) {
	b, ok := ref.BookByNumber(book)
	if !ok {
		return ChapterRef{}, fmt.Errorf("%w: book %d", ErrInvalidChapter, book)
	}
	if chapter < 1 || chapter > b.Chapters {
		return ChapterRef{}, fmt.Errorf("%w: %s has no chapter %d", ErrInvalidChapter, b.Name, chapter)
	}
	return ChapterRef{Book: book, Chapter: chapter}, nil
}

// String renders the chapter as a human-readable reference.
func (c ChapterRef) String() string {
	if b, ok := ref.BookByNumber(c.Book); ok {
		return fmt.Sprintf("%s %d", b.Name, c.Chapter)
	}
	return fmt.Sprintf("book %d chapter %d", c.Book, c.Chapter)
}

// SectionKind distinguishes where a note section anchors within a chapter.
type SectionKind string

const (
	// SectionKindGeneral marks a section covering the whole chapter.
	SectionKindGeneral SectionKind = "general"
	// SectionKindVerse marks a section anchored to a single verse.
	SectionKindVerse SectionKind = "verse"
	// SectionKindRange marks a section anchored to a verse span.
	SectionKindRange SectionKind = "range"
)

// ParseSectionKind converts a stored kind string back into a SectionKind.
func ParseSectionKind(raw string) (SectionKind, error) {
	switch SectionKind(raw) {
	case SectionKindGeneral, SectionKindVerse, SectionKindRange:
		return SectionKind(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidSection, raw)
	}
}

// Note models the per-chapter note row. The lock columns carry the advisory
// edit lock; keeping them on the note row means a single read answers both
// content and lock questions.
type Note struct {
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Book              int    `gorm:"column:book;primaryKey;not null"`
	Chapter           int    `gorm:"column:chapter;primaryKey;not null"`
	Version           int64  `gorm:"column:version;not null;default:0"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ModifiedAtSeconds int64  `gorm:"column:modified_at_s;not null"`
	LastWriterDevice  string `gorm:"column:last_writer_device;size:190;not null;default:''"`
	LockedByDevice    string `gorm:"column:locked_by_device;size:190;not null;default:''"`
	LockedAtSeconds   int64  `gorm:"column:locked_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "chapter_notes"
}

// NoteSection is one independently anchored slice of a chapter note.
type NoteSection struct {
	SectionID         string `gorm:"column:section_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_note_sections_chapter,priority:1"`
	Book              int    `gorm:"column:book;not null;index:idx_note_sections_chapter,priority:2"`
	Chapter           int    `gorm:"column:chapter;not null;index:idx_note_sections_chapter,priority:3"`
	Kind              string `gorm:"column:kind;size:16;not null"`
	StartVerse        int    `gorm:"column:start_verse;not null;default:0"`
	EndVerse          int    `gorm:"column:end_verse;not null;default:0"`
	Content           string `gorm:"column:content;type:text;not null"`
	Position          int    `gorm:"column:position;not null;default:0"`
	ModifiedAtSeconds int64  `gorm:"column:modified_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteSection) TableName() string {
	return "note_sections"
}

// ConflictVersion preserves a divergent write until the owner resolves it.
// ContentJSON holds the full section payload so resolution can restore it
// verbatim; ContentLength lets listings report size without decoding.
type ConflictVersion struct {
	VersionID         string `gorm:"column:version_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;size:190;not null;index:idx_note_conflicts_chapter,priority:1"`
	Book              int    `gorm:"column:book;not null;index:idx_note_conflicts_chapter,priority:2"`
	Chapter           int    `gorm:"column:chapter;not null;index:idx_note_conflicts_chapter,priority:3"`
	Device            string `gorm:"column:device;size:190;not null"`
	BaseVersion       int64  `gorm:"column:base_version;not null"`
	ContentJSON       string `gorm:"column:content_json;type:text;not null"`
	ContentLength     int    `gorm:"column:content_length;not null"`
	ModifiedAtSeconds int64  `gorm:"column:modified_at_s;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictVersion) TableName() string {
	return "note_conflict_versions"
}

// SectionDraft carries one section of an incoming write. An empty SectionID
// asks the store to mint one. Stored positions follow submission order.
type SectionDraft struct {
	SectionID  string      `json:"section_id,omitempty"`
	Kind       SectionKind `json:"kind"`
	StartVerse int         `json:"start_verse,omitempty"`
	EndVerse   int         `json:"end_verse,omitempty"`
	Content    string      `json:"content"`
}

func (d SectionDraft) validate() error {
	switch d.Kind {
	case SectionKindGeneral:
		if d.StartVerse != 0 || d.EndVerse != 0 {
			return fmt.Errorf("%w: general section carries verse anchors", ErrInvalidSection)
		}
	case SectionKindVerse:
		if d.StartVerse < 1 || d.StartVerse > ref.MaxFieldValue {
			return fmt.Errorf("%w: verse anchor %d out of range", ErrInvalidSection, d.StartVerse)
		}
		if d.EndVerse != 0 && d.EndVerse != d.StartVerse {
			return fmt.Errorf("%w: verse section spans %d-%d", ErrInvalidSection, d.StartVerse, d.EndVerse)
		}
	case SectionKindRange:
		if d.StartVerse < 1 || d.StartVerse > ref.MaxFieldValue {
			return fmt.Errorf("%w: range start %d out of range", ErrInvalidSection, d.StartVerse)
		}
		if d.EndVerse < d.StartVerse || d.EndVerse > ref.MaxFieldValue {
			return fmt.Errorf("%w: range end %d out of range", ErrInvalidSection, d.EndVerse)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSection, d.Kind)
	}
	return nil
}

// NoteRecord bundles a note row with its ordered sections. Exists reports
// whether the chapter has persisted content; chapters never written come
// back as a single empty general section without touching the store.
type NoteRecord struct {
	Note     Note
	Sections []NoteSection
	Exists   bool
}

// WriteStatus enumerates what the store did with a submitted write.
type WriteStatus string

const (
	// WriteStatusAccepted means the write became the current version.
	WriteStatusAccepted WriteStatus = "accepted"
	// WriteStatusConflict means the write diverged and was preserved as a
	// conflict version instead of overwriting the current content.
	WriteStatusConflict WriteStatus = "conflict"
	// WriteStatusLockedByOther means another device holds the edit lock.
	WriteStatusLockedByOther WriteStatus = "lockedByOther"
)

// WriteRequest describes one device's submission of chapter note content.
// BaseVersion is the note version the client last loaded; zero means the
// client believes the chapter had no persisted note yet.
type WriteRequest struct {
	UserID            UserID
	Chapter           ChapterRef
	Device            DeviceID
	BaseVersion       int64
	ModifiedAtSeconds int64
	Sections          []SectionDraft
}

// WriteOutcome reports the result of a write. Note always carries the
// current server state so callers can rebase without a second read.
type WriteOutcome struct {
	Status             WriteStatus
	Note               NoteRecord
	Conflict           *NoteConflict
	LockHolder         string
	LockedSinceSeconds int64
}

// LockStatus enumerates lock operation outcomes.
type LockStatus string

const (
	// LockStatusAcquired means the lock now belongs to the caller.
	LockStatusAcquired LockStatus = "acquired"
	// LockStatusAlreadyMine means the caller already held the lock and its
	// expiry was extended.
	LockStatusAlreadyMine LockStatus = "alreadyMine"
	// LockStatusHeldByOther means a different device holds a live lock.
	LockStatusHeldByOther LockStatus = "heldByOther"
	// LockStatusReleased means the lock is no longer held by the caller.
	LockStatusReleased LockStatus = "released"
)

// LockOutcome reports the state of the advisory lock after an operation.
type LockOutcome struct {
	Status           LockStatus
	HolderDevice     string
	SinceSeconds     int64
	ExpiresAtSeconds int64
}

// VersionSummary describes one stored divergent version without its
// content. Content is fetched lazily through VersionContent.
type VersionSummary struct {
	VersionID         string
	Device            string
	BaseVersion       int64
	ContentLength     int
	ModifiedAtSeconds int64
}

// NoteConflict pairs the current note with its divergent stored versions.
type NoteConflict struct {
	Chapter  ChapterRef
	Current  NoteRecord
	Versions []VersionSummary
}

// SyncState summarizes where a chapter note stands relative to the store.
type SyncState string

const (
	// SyncStateSynced means the store holds the latest submitted content.
	SyncStateSynced SyncState = "synced"
	// SyncStateSyncing means a draft is pending or a write is in flight.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateNotSynced means divergent versions await resolution.
	SyncStateNotSynced SyncState = "notSynced"
	// SyncStateNotAvailable means the store could not be reached.
	SyncStateNotAvailable SyncState = "notAvailable"
)

// Event is a note lifecycle notification fanned out to connected devices.
type Event struct {
	Kind    string `json:"kind"`
	Book    int    `json:"book"`
	Chapter int    `json:"chapter"`
	Version int64  `json:"version,omitempty"`
	Device  string `json:"device,omitempty"`
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event kinds published by the note store and edit sessions.
const (
	EventNoteChanged      = "note_changed"
	EventConflictDetected = "conflict_detected"
	EventConflictResolved = "conflict_resolved"
	EventSaveStatus       = "save_status"
	EventLockChanged      = "lock_changed"
)

// Publisher receives note events for realtime fan-out to the owner's
// connected devices. Implementations must not block.
type Publisher func(userID string, event Event)
