package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lecternlabs/lectern/internal/metrics"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrVersionNotFound indicates that no stored conflict version matches
	// the requested identifier.
	ErrVersionNotFound = errors.New("notes: conflict version not found")
	// ErrNoConflict indicates that a chapter has no pending conflict.
	ErrNoConflict = errors.New("notes: no pending conflict")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew       = "notes.service.new"
	opReadNote         = "notes.read"
	opWriteNote        = "notes.write"
	opAcquireLock      = "notes.lock.acquire"
	opRefreshLock      = "notes.lock.refresh"
	opReleaseLock      = "notes.lock.release"
	opPendingConflicts = "notes.conflicts.pending"
	opResolveConflict  = "notes.conflicts.resolve"
	opVersionContent   = "notes.conflicts.version"
	opListChapters     = "notes.list_chapters"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	LockTTL    time.Duration
	Events     Publisher
}

type IDProvider interface {
	NewID() (string, error)
}

type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	lockTTL    time.Duration
	events     Publisher
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		lockTTL:    lockTTL,
		events:     cfg.Events,
	}, nil
}

// LockTTL exposes the configured advisory lock lifetime.
func (s *Service) LockTTL() time.Duration {
	return s.lockTTL
}

// ReadNote loads the note for one chapter. Chapters never written return an
// empty default record without creating anything.
func (s *Service) ReadNote(ctx context.Context, userID UserID, chapter ChapterRef) (NoteRecord, error) {
	if s.db == nil {
		s.logError(opReadNote, "missing_database", errMissingDatabase)
		return NoteRecord{}, newServiceError(opReadNote, "missing_database", errMissingDatabase)
	}

	record, err := s.loadRecord(s.db.WithContext(ctx), userID, chapter)
	if err != nil {
		s.logError(opReadNote, "query_failed", err,
			zap.String("user_id", userID.String()),
			zap.Int("book", chapter.Book),
			zap.Int("chapter", chapter.Chapter))
		return NoteRecord{}, newServiceError(opReadNote, "query_failed", err)
	}
	return record, nil
}

// WriteNote applies one device's submission. A live lock held by another
// device rejects the write; a stale base version preserves the submission
// as a conflict version instead of overwriting newer content. The returned
// outcome always carries the note's current server state.
func (s *Service) WriteNote(ctx context.Context, request WriteRequest) (WriteOutcome, error) {
	if s.db == nil {
		s.logError(opWriteNote, "missing_database", errMissingDatabase)
		return WriteOutcome{}, newServiceError(opWriteNote, "missing_database", errMissingDatabase)
	}
	for _, draft := range request.Sections {
		if err := draft.validate(); err != nil {
			return WriteOutcome{}, newServiceError(opWriteNote, "invalid_section", err)
		}
	}

	var outcome WriteOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existingPtr, err := s.selectNoteForUpdate(tx, request.UserID, request.Chapter)
		if err != nil {
			s.logError(opWriteNote, "note_select_failed", err,
				zap.String("user_id", request.UserID.String()),
				zap.Int("book", request.Chapter.Book),
				zap.Int("chapter", request.Chapter.Chapter))
			return newServiceError(opWriteNote, "note_select_failed", err)
		}

		now := s.clock().UTC()
		decision := decideWrite(existingPtr, request, now, s.lockTTL)

		switch decision.Status {
		case WriteStatusLockedByOther:
			record, loadErr := s.loadRecord(tx, request.UserID, request.Chapter)
			if loadErr != nil {
				s.logError(opWriteNote, "note_reload_failed", loadErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "note_reload_failed", loadErr)
			}
			outcome = WriteOutcome{
				Status:             WriteStatusLockedByOther,
				Note:               record,
				LockHolder:         decision.LockHolder.String(),
				LockedSinceSeconds: decision.LockedSince,
			}
			return nil

		case WriteStatusConflict:
			payload, encodeErr := encodeSections(request.Sections)
			if encodeErr != nil {
				s.logError(opWriteNote, "version_encode_failed", encodeErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "version_encode_failed", encodeErr)
			}
			versionID, idErr := s.idProvider.NewID()
			if idErr != nil {
				s.logError(opWriteNote, "id_generation_failed", idErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "id_generation_failed", idErr)
			}
			modifiedAt := request.ModifiedAtSeconds
			if modifiedAt <= 0 {
				modifiedAt = now.Unix()
			}
			version := ConflictVersion{
				VersionID:         versionID,
				UserID:            request.UserID.String(),
				Book:              request.Chapter.Book,
				Chapter:           request.Chapter.Chapter,
				Device:            request.Device.String(),
				BaseVersion:       request.BaseVersion,
				ContentJSON:       payload,
				ContentLength:     sectionContentLength(request.Sections),
				ModifiedAtSeconds: modifiedAt,
				CreatedAtSeconds:  now.Unix(),
			}
			if createErr := tx.Create(&version).Error; createErr != nil {
				s.logError(opWriteNote, "version_insert_failed", createErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "version_insert_failed", createErr)
			}
			conflict, loadErr := s.loadConflict(tx, request.UserID, request.Chapter)
			if loadErr != nil {
				s.logError(opWriteNote, "conflict_reload_failed", loadErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "conflict_reload_failed", loadErr)
			}
			outcome = WriteOutcome{
				Status:   WriteStatusConflict,
				Note:     conflict.Current,
				Conflict: &conflict,
			}
			return nil

		default:
			updated := decision.Updated
			if saveErr := tx.Save(updated).Error; saveErr != nil {
				s.logError(opWriteNote, "note_save_failed", saveErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "note_save_failed", saveErr)
			}
			sections, replaceErr := s.replaceSections(tx, *updated, request.Sections)
			if replaceErr != nil {
				s.logError(opWriteNote, "section_replace_failed", replaceErr,
					zap.String("user_id", request.UserID.String()))
				return newServiceError(opWriteNote, "section_replace_failed", replaceErr)
			}
			outcome = WriteOutcome{
				Status: WriteStatusAccepted,
				Note: NoteRecord{
					Note:     *updated,
					Sections: sections,
					Exists:   true,
				},
			}
			return nil
		}
	})
	if txErr != nil {
		metrics.RecordNoteWrite("error")
		return WriteOutcome{}, txErr
	}

	switch outcome.Status {
	case WriteStatusAccepted:
		metrics.RecordNoteWrite("accepted")
		s.publish(request.UserID, Event{
			Kind:    EventNoteChanged,
			Book:    request.Chapter.Book,
			Chapter: request.Chapter.Chapter,
			Version: outcome.Note.Note.Version,
			Device:  request.Device.String(),
		})
	case WriteStatusConflict:
		metrics.RecordNoteWrite("conflict")
		metrics.RecordConflictDetected()
		s.publish(request.UserID, Event{
			Kind:    EventConflictDetected,
			Book:    request.Chapter.Book,
			Chapter: request.Chapter.Chapter,
			Device:  request.Device.String(),
		})
	case WriteStatusLockedByOther:
		metrics.RecordNoteWrite("locked")
	}
	return outcome, nil
}

// AcquireLock takes the advisory edit lock for a device. An expired lock
// counts as free. With force set, a live lock held by another device is
// taken over; the displaced holder learns about it through lock events.
func (s *Service) AcquireLock(ctx context.Context, userID UserID, chapter ChapterRef, device DeviceID, force bool) (LockOutcome, error) {
	return s.lockOp(ctx, opAcquireLock, "acquire", userID, chapter, device, force)
}

// RefreshLock extends a held lock. It shares acquire semantics without
// force: the holder extends, a free lock is re-taken, a live lock held by
// another device stays put.
func (s *Service) RefreshLock(ctx context.Context, userID UserID, chapter ChapterRef, device DeviceID) (LockOutcome, error) {
	return s.lockOp(ctx, opRefreshLock, "refresh", userID, chapter, device, false)
}

func (s *Service) lockOp(ctx context.Context, operation, action string, userID UserID, chapter ChapterRef, device DeviceID, force bool) (LockOutcome, error) {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return LockOutcome{}, newServiceError(operation, "missing_database", errMissingDatabase)
	}

	var outcome LockOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		var note Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// A chapter can be locked before it has content. The row is a
			// placeholder with version zero until the first accepted write.
			note = Note{
				UserID:            userID.String(),
				Book:              chapter.Book,
				Chapter:           chapter.Chapter,
				CreatedAtSeconds:  now.Unix(),
				ModifiedAtSeconds: now.Unix(),
				LockedByDevice:    device.String(),
				LockedAtSeconds:   now.Unix(),
			}
			if createErr := tx.Create(&note).Error; createErr != nil {
				s.logError(operation, "note_create_failed", createErr,
					zap.String("user_id", userID.String()))
				return newServiceError(operation, "note_create_failed", createErr)
			}
			outcome = LockOutcome{
				Status:           LockStatusAcquired,
				HolderDevice:     device.String(),
				SinceSeconds:     note.LockedAtSeconds,
				ExpiresAtSeconds: lockExpiry(note, s.lockTTL),
			}
			return nil
		}
		if err != nil {
			s.logError(operation, "note_select_failed", err,
				zap.String("user_id", userID.String()))
			return newServiceError(operation, "note_select_failed", err)
		}

		holder, held := lockHolder(note, now, s.lockTTL)
		switch {
		case held && holder == device:
			note.LockedAtSeconds = now.Unix()
			if saveErr := tx.Save(&note).Error; saveErr != nil {
				s.logError(operation, "lock_save_failed", saveErr,
					zap.String("user_id", userID.String()))
				return newServiceError(operation, "lock_save_failed", saveErr)
			}
			outcome = LockOutcome{
				Status:           LockStatusAlreadyMine,
				HolderDevice:     device.String(),
				SinceSeconds:     note.LockedAtSeconds,
				ExpiresAtSeconds: lockExpiry(note, s.lockTTL),
			}
		case held && !force:
			outcome = LockOutcome{
				Status:           LockStatusHeldByOther,
				HolderDevice:     holder.String(),
				SinceSeconds:     note.LockedAtSeconds,
				ExpiresAtSeconds: lockExpiry(note, s.lockTTL),
			}
		default:
			note.LockedByDevice = device.String()
			note.LockedAtSeconds = now.Unix()
			if saveErr := tx.Save(&note).Error; saveErr != nil {
				s.logError(operation, "lock_save_failed", saveErr,
					zap.String("user_id", userID.String()))
				return newServiceError(operation, "lock_save_failed", saveErr)
			}
			outcome = LockOutcome{
				Status:           LockStatusAcquired,
				HolderDevice:     device.String(),
				SinceSeconds:     note.LockedAtSeconds,
				ExpiresAtSeconds: lockExpiry(note, s.lockTTL),
			}
		}
		return nil
	})
	if txErr != nil {
		metrics.RecordLockRequest(action, "error")
		return LockOutcome{}, txErr
	}

	metrics.RecordLockRequest(action, string(outcome.Status))
	if outcome.Status == LockStatusAcquired {
		s.publish(userID, Event{
			Kind:    EventLockChanged,
			Book:    chapter.Book,
			Chapter: chapter.Chapter,
			Device:  device.String(),
			State:   string(LockStatusAcquired),
		})
	}
	return outcome, nil
}

// ReleaseLock clears the lock if the caller holds it. Releasing an
// unlocked chapter is a no-op reported as released.
func (s *Service) ReleaseLock(ctx context.Context, userID UserID, chapter ChapterRef, device DeviceID) (LockOutcome, error) {
	if s.db == nil {
		s.logError(opReleaseLock, "missing_database", errMissingDatabase)
		return LockOutcome{}, newServiceError(opReleaseLock, "missing_database", errMissingDatabase)
	}

	var outcome LockOutcome
	released := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = LockOutcome{Status: LockStatusReleased}
			return nil
		}
		if err != nil {
			s.logError(opReleaseLock, "note_select_failed", err,
				zap.String("user_id", userID.String()))
			return newServiceError(opReleaseLock, "note_select_failed", err)
		}

		now := s.clock().UTC()
		if note.LockedByDevice == device.String() {
			note.LockedByDevice = ""
			note.LockedAtSeconds = 0
			if saveErr := tx.Save(&note).Error; saveErr != nil {
				s.logError(opReleaseLock, "lock_save_failed", saveErr,
					zap.String("user_id", userID.String()))
				return newServiceError(opReleaseLock, "lock_save_failed", saveErr)
			}
			released = true
			outcome = LockOutcome{Status: LockStatusReleased}
			return nil
		}
		if holder, held := lockHolder(note, now, s.lockTTL); held {
			outcome = LockOutcome{
				Status:           LockStatusHeldByOther,
				HolderDevice:     holder.String(),
				SinceSeconds:     note.LockedAtSeconds,
				ExpiresAtSeconds: lockExpiry(note, s.lockTTL),
			}
			return nil
		}
		outcome = LockOutcome{Status: LockStatusReleased}
		return nil
	})
	if txErr != nil {
		metrics.RecordLockRequest("release", "error")
		return LockOutcome{}, txErr
	}

	metrics.RecordLockRequest("release", string(outcome.Status))
	if released {
		s.publish(userID, Event{
			Kind:    EventLockChanged,
			Book:    chapter.Book,
			Chapter: chapter.Chapter,
			Device:  device.String(),
			State:   string(LockStatusReleased),
		})
	}
	return outcome, nil
}

// PendingConflicts lists chapters with unresolved divergent versions. A
// zero book lists conflicts across the whole canon.
func (s *Service) PendingConflicts(ctx context.Context, userID UserID, book int) ([]NoteConflict, error) {
	if s.db == nil {
		s.logError(opPendingConflicts, "missing_database", errMissingDatabase)
		return nil, newServiceError(opPendingConflicts, "missing_database", errMissingDatabase)
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if book > 0 {
		query = query.Where("book = ?", book)
	}
	var versions []ConflictVersion
	if err := query.Order("book ASC, chapter ASC, created_at_s ASC, version_id ASC").
		Find(&versions).Error; err != nil {
		s.logError(opPendingConflicts, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opPendingConflicts, "query_failed", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}

	conflicts := make([]NoteConflict, 0)
	index := 0
	for index < len(versions) {
		chapterVersions := []ConflictVersion{versions[index]}
		for index+1 < len(versions) &&
			versions[index+1].Book == versions[index].Book &&
			versions[index+1].Chapter == versions[index].Chapter {
			index++
			chapterVersions = append(chapterVersions, versions[index])
		}
		index++

		chapter := ChapterRef{Book: chapterVersions[0].Book, Chapter: chapterVersions[0].Chapter}
		record, loadErr := s.loadRecord(s.db.WithContext(ctx), userID, chapter)
		if loadErr != nil {
			s.logError(opPendingConflicts, "note_load_failed", loadErr,
				zap.String("user_id", userID.String()),
				zap.Int("book", chapter.Book),
				zap.Int("chapter", chapter.Chapter))
			return nil, newServiceError(opPendingConflicts, "note_load_failed", loadErr)
		}
		conflicts = append(conflicts, NoteConflict{
			Chapter:  chapter,
			Current:  record,
			Versions: summarizeVersions(chapterVersions),
		})
	}
	return conflicts, nil
}

// ResolveConflict settles a chapter's conflict. keepVersionID selects the
// stored version to adopt as current content; KeepCurrentVersionID keeps
// what the store already holds. Every stored version for the chapter is
// deleted either way.
func (s *Service) ResolveConflict(ctx context.Context, userID UserID, chapter ChapterRef, keepVersionID string, device DeviceID) (NoteRecord, error) {
	if s.db == nil {
		s.logError(opResolveConflict, "missing_database", errMissingDatabase)
		return NoteRecord{}, newServiceError(opResolveConflict, "missing_database", errMissingDatabase)
	}

	var record NoteRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var versions []ConflictVersion
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
			Order("created_at_s ASC, version_id ASC").
			Find(&versions).Error; err != nil {
			s.logError(opResolveConflict, "version_select_failed", err,
				zap.String("user_id", userID.String()))
			return newServiceError(opResolveConflict, "version_select_failed", err)
		}
		if len(versions) == 0 {
			return newServiceError(opResolveConflict, "no_conflict", ErrNoConflict)
		}

		if keepVersionID != KeepCurrentVersionID {
			var chosen *ConflictVersion
			for i := range versions {
				if versions[i].VersionID == keepVersionID {
					chosen = &versions[i]
					break
				}
			}
			if chosen == nil {
				return newServiceError(opResolveConflict, "version_not_found", ErrVersionNotFound)
			}
			sections, decodeErr := decodeSections(chosen.ContentJSON)
			if decodeErr != nil {
				s.logError(opResolveConflict, "version_decode_failed", decodeErr,
					zap.String("user_id", userID.String()),
					zap.String("version_id", chosen.VersionID))
				return newServiceError(opResolveConflict, "version_decode_failed", decodeErr)
			}

			existingPtr, selectErr := s.selectNoteForUpdate(tx, userID, chapter)
			if selectErr != nil {
				s.logError(opResolveConflict, "note_select_failed", selectErr,
					zap.String("user_id", userID.String()))
				return newServiceError(opResolveConflict, "note_select_failed", selectErr)
			}
			now := s.clock().UTC()
			note := Note{
				UserID:           userID.String(),
				Book:             chapter.Book,
				Chapter:          chapter.Chapter,
				CreatedAtSeconds: now.Unix(),
			}
			if existingPtr != nil {
				note = *existingPtr
			}
			note.ModifiedAtSeconds = chosen.ModifiedAtSeconds
			if note.ModifiedAtSeconds <= 0 {
				note.ModifiedAtSeconds = now.Unix()
			}
			note.LastWriterDevice = chosen.Device
			nextVersion := note.Version + 1
			if nextVersion <= 0 {
				nextVersion = 1
			}
			note.Version = nextVersion
			if saveErr := tx.Save(&note).Error; saveErr != nil {
				s.logError(opResolveConflict, "note_save_failed", saveErr,
					zap.String("user_id", userID.String()))
				return newServiceError(opResolveConflict, "note_save_failed", saveErr)
			}
			rows, replaceErr := s.replaceSections(tx, note, sections)
			if replaceErr != nil {
				s.logError(opResolveConflict, "section_replace_failed", replaceErr,
					zap.String("user_id", userID.String()))
				return newServiceError(opResolveConflict, "section_replace_failed", replaceErr)
			}
			record = NoteRecord{Note: note, Sections: rows, Exists: true}
		}

		if err := tx.Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
			Delete(&ConflictVersion{}).Error; err != nil {
			s.logError(opResolveConflict, "version_delete_failed", err,
				zap.String("user_id", userID.String()))
			return newServiceError(opResolveConflict, "version_delete_failed", err)
		}

		if keepVersionID == KeepCurrentVersionID {
			current, loadErr := s.loadRecord(tx, userID, chapter)
			if loadErr != nil {
				s.logError(opResolveConflict, "note_reload_failed", loadErr,
					zap.String("user_id", userID.String()))
				return newServiceError(opResolveConflict, "note_reload_failed", loadErr)
			}
			record = current
		}
		return nil
	})
	if txErr != nil {
		return NoteRecord{}, txErr
	}

	metrics.RecordConflictResolved()
	s.publish(userID, Event{
		Kind:    EventConflictResolved,
		Book:    chapter.Book,
		Chapter: chapter.Chapter,
		Version: record.Note.Version,
		Device:  device.String(),
	})
	return record, nil
}

// VersionContent fetches the full section payload of one stored conflict
// version. Listings carry only summaries, so clients call this lazily when
// the owner inspects a version.
func (s *Service) VersionContent(ctx context.Context, userID UserID, versionID string) ([]SectionDraft, error) {
	if s.db == nil {
		s.logError(opVersionContent, "missing_database", errMissingDatabase)
		return nil, newServiceError(opVersionContent, "missing_database", errMissingDatabase)
	}

	var version ConflictVersion
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND version_id = ?", userID.String(), versionID).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opVersionContent, "version_not_found", ErrVersionNotFound)
	}
	if err != nil {
		s.logError(opVersionContent, "query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("version_id", versionID))
		return nil, newServiceError(opVersionContent, "query_failed", err)
	}

	sections, decodeErr := decodeSections(version.ContentJSON)
	if decodeErr != nil {
		s.logError(opVersionContent, "version_decode_failed", decodeErr,
			zap.String("user_id", userID.String()),
			zap.String("version_id", versionID))
		return nil, newServiceError(opVersionContent, "version_decode_failed", decodeErr)
	}
	return sections, nil
}

// ChapterSyncState reports where a chapter stands relative to the store.
// Store failures degrade to not-available rather than erroring, matching
// how the reading surface treats the indicator as best-effort.
func (s *Service) ChapterSyncState(ctx context.Context, userID UserID, chapter ChapterRef) SyncState {
	if s.db == nil {
		return SyncStateNotAvailable
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&ConflictVersion{}).
		Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
		Count(&count).Error
	if err != nil {
		s.logError("notes.sync_state", "query_failed", err, zap.String("user_id", userID.String()))
		return SyncStateNotAvailable
	}
	if count > 0 {
		return SyncStateNotSynced
	}
	return SyncStateSynced
}

// ListNoteChapters returns the chapters holding persisted note content,
// ordered canonically. Lock placeholder rows without content are skipped.
// A zero book lists across the whole canon.
func (s *Service) ListNoteChapters(ctx context.Context, userID UserID, book int) ([]ChapterRef, error) {
	if s.db == nil {
		s.logError(opListChapters, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListChapters, "missing_database", errMissingDatabase)
	}

	query := s.db.WithContext(ctx).
		Where("user_id = ? AND version > 0", userID.String())
	if book > 0 {
		query = query.Where("book = ?", book)
	}
	var rows []Note
	if err := query.Order("book ASC, chapter ASC").Find(&rows).Error; err != nil {
		s.logError(opListChapters, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListChapters, "query_failed", err)
	}

	chapters := make([]ChapterRef, 0, len(rows))
	for _, row := range rows {
		chapters = append(chapters, ChapterRef{Book: row.Book, Chapter: row.Chapter})
	}
	return chapters, nil
}

func (s *Service) selectNoteForUpdate(tx *gorm.DB, userID UserID, chapter ChapterRef) (*Note, error) {
	var existing Note
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) loadRecord(tx *gorm.DB, userID UserID, chapter ChapterRef) (NoteRecord, error) {
	var note Note
	err := tx.Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
		Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return emptyRecord(userID, chapter), nil
	}
	if err != nil {
		return NoteRecord{}, err
	}
	if note.Version == 0 {
		// Lock placeholder rows read as absent content.
		placeholder := emptyRecord(userID, chapter)
		placeholder.Note = note
		return placeholder, nil
	}

	var sections []NoteSection
	if err := tx.Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
		Order("position ASC, start_verse ASC, section_id ASC").
		Find(&sections).Error; err != nil {
		return NoteRecord{}, err
	}
	return NoteRecord{Note: note, Sections: sections, Exists: true}, nil
}

func (s *Service) loadConflict(tx *gorm.DB, userID UserID, chapter ChapterRef) (NoteConflict, error) {
	record, err := s.loadRecord(tx, userID, chapter)
	if err != nil {
		return NoteConflict{}, err
	}
	var versions []ConflictVersion
	if err := tx.Where("user_id = ? AND book = ? AND chapter = ?", userID.String(), chapter.Book, chapter.Chapter).
		Order("created_at_s ASC, version_id ASC").
		Find(&versions).Error; err != nil {
		return NoteConflict{}, err
	}
	return NoteConflict{
		Chapter:  chapter,
		Current:  record,
		Versions: summarizeVersions(versions),
	}, nil
}

func (s *Service) replaceSections(tx *gorm.DB, note Note, drafts []SectionDraft) ([]NoteSection, error) {
	if err := tx.Where("user_id = ? AND book = ? AND chapter = ?", note.UserID, note.Book, note.Chapter).
		Delete(&NoteSection{}).Error; err != nil {
		return nil, err
	}

	rows := make([]NoteSection, 0, len(drafts))
	for index, draft := range drafts {
		sectionID := draft.SectionID
		if sectionID == "" {
			generated, idErr := s.idProvider.NewID()
			if idErr != nil {
				return nil, idErr
			}
			sectionID = generated
		}
		endVerse := draft.EndVerse
		if draft.Kind == SectionKindVerse {
			endVerse = draft.StartVerse
		}
		rows = append(rows, NoteSection{
			SectionID:         sectionID,
			UserID:            note.UserID,
			Book:              note.Book,
			Chapter:           note.Chapter,
			Kind:              string(draft.Kind),
			StartVerse:        draft.StartVerse,
			EndVerse:          endVerse,
			Content:           draft.Content,
			Position:          index,
			ModifiedAtSeconds: note.ModifiedAtSeconds,
		})
	}
	if len(rows) > 0 {
		if err := tx.Create(&rows).Error; err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func emptyRecord(userID UserID, chapter ChapterRef) NoteRecord {
	return NoteRecord{
		Note: Note{
			UserID:  userID.String(),
			Book:    chapter.Book,
			Chapter: chapter.Chapter,
		},
		Sections: []NoteSection{{
			UserID:  userID.String(),
			Book:    chapter.Book,
			Chapter: chapter.Chapter,
			Kind:    string(SectionKindGeneral),
		}},
		Exists: false,
	}
}

func summarizeVersions(versions []ConflictVersion) []VersionSummary {
	summaries := make([]VersionSummary, 0, len(versions))
	for _, version := range versions {
		summaries = append(summaries, VersionSummary{
			VersionID:         version.VersionID,
			Device:            version.Device,
			BaseVersion:       version.BaseVersion,
			ContentLength:     version.ContentLength,
			ModifiedAtSeconds: version.ModifiedAtSeconds,
		})
	}
	return summaries
}

func (s *Service) publish(userID UserID, event Event) {
	if s.events == nil {
		return
	}
	s.events(userID.String(), event)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
