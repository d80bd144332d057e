package notes

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/debounce"
	"github.com/lecternlabs/lectern/internal/metrics"
)

const (
	// DefaultSaveDebounce delays a write until typing pauses.
	DefaultSaveDebounce = time.Second
	// DefaultSavedHold keeps the saved indicator visible before settling
	// back to idle.
	DefaultSavedHold = 2 * time.Second
	// DefaultLockRefresh is the heartbeat interval keeping a held lock
	// alive while a session edits.
	DefaultLockRefresh = 60 * time.Second
)

var (
	// ErrSessionClosed indicates an operation on a closed edit session.
	ErrSessionClosed = errors.New("notes: edit session closed")
	// ErrNotEditing indicates a draft submission outside editing mode.
	ErrNotEditing = errors.New("notes: session is not editing")
	// ErrNoSession indicates that no session exists for the device.
	ErrNoSession = errors.New("notes: no session for device")
)

// SessionIntent states how a device opens a chapter.
type SessionIntent string

const (
	// IntentRead opens the chapter without attempting the edit lock.
	IntentRead SessionIntent = "read"
	// IntentEdit opens the chapter and tries to take the edit lock.
	IntentEdit SessionIntent = "edit"
)

// SessionMode states what the session currently permits.
type SessionMode string

const (
	// ModeReadOnly permits reading only.
	ModeReadOnly SessionMode = "readOnly"
	// ModeEditing permits draft submissions.
	ModeEditing SessionMode = "editing"
	// ModeLockedOut means another device holds the edit lock.
	ModeLockedOut SessionMode = "lockedOut"
)

// SaveState mirrors the autosave indicator lifecycle: a pending draft
// commits after a quiet second, shows saved briefly, then settles idle.
type SaveState string

const (
	SaveStateIdle     SaveState = "idle"
	SaveStateSaving   SaveState = "saving"
	SaveStateSaved    SaveState = "saved"
	SaveStateError    SaveState = "error"
	SaveStateConflict SaveState = "conflict"
	SaveStateLocked   SaveState = "locked"
)

// EditManagerConfig wires an EditManager.
type EditManagerConfig struct {
	Service      *Service
	Clock        func() time.Time
	Logger       *zap.Logger
	SaveDebounce time.Duration
	SavedHold    time.Duration
	LockRefresh  time.Duration
	Events       Publisher
}

// EditManager tracks one edit session per (user, device) pair and drives
// their debounced saves and lock heartbeats.
type EditManager struct {
	service      *Service
	clock        func() time.Time
	logger       *zap.Logger
	saveDebounce time.Duration
	savedHold    time.Duration
	lockRefresh  time.Duration
	events       Publisher

	mu       sync.Mutex
	sessions map[sessionKey]*EditSession
}

type sessionKey struct {
	user   string
	device string
}

// NewEditManager validates the configuration and returns an EditManager.
func NewEditManager(cfg EditManagerConfig) (*EditManager, error) {
	if cfg.Service == nil {
		return nil, errors.New("notes: edit manager requires a service")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	saveDebounce := cfg.SaveDebounce
	if saveDebounce <= 0 {
		saveDebounce = DefaultSaveDebounce
	}
	savedHold := cfg.SavedHold
	if savedHold <= 0 {
		savedHold = DefaultSavedHold
	}
	lockRefresh := cfg.LockRefresh
	if lockRefresh <= 0 {
		lockRefresh = DefaultLockRefresh
	}
	return &EditManager{
		service:      cfg.Service,
		clock:        clock,
		logger:       logger,
		saveDebounce: saveDebounce,
		savedHold:    savedHold,
		lockRefresh:  lockRefresh,
		events:       cfg.Events,
		sessions:     make(map[sessionKey]*EditSession),
	}, nil
}

// OpenSession starts a session for a device on a chapter. Any prior
// session for the device is closed first, which flushes its pending draft
// and releases its lock. A pending conflict on the chapter forces the
// session read-only until the owner resolves it.
func (m *EditManager) OpenSession(ctx context.Context, userID UserID, device DeviceID, chapter ChapterRef, intent SessionIntent) (*EditSession, error) {
	key := sessionKey{user: userID.String(), device: device.String()}

	m.mu.Lock()
	prior := m.sessions[key]
	m.mu.Unlock()
	if prior != nil {
		if err := prior.Close(ctx); err != nil {
			m.logger.Warn("closing prior edit session failed",
				zap.String("user_id", key.user),
				zap.String("device", key.device),
				zap.Error(err))
		}
	}

	record, err := m.service.ReadNote(ctx, userID, chapter)
	if err != nil {
		return nil, err
	}

	session := &EditSession{
		manager:     m,
		key:         key,
		userID:      userID,
		device:      device,
		chapter:     chapter,
		mode:        ModeReadOnly,
		saveState:   SaveStateIdle,
		record:      record,
		baseVersion: record.Note.Version,
	}

	if conflict := m.pendingConflictFor(ctx, userID, chapter); conflict != nil {
		session.conflict = conflict
	} else if intent == IntentEdit {
		m.lockForEditing(ctx, session, false)
	}

	m.mu.Lock()
	m.sessions[key] = session
	m.mu.Unlock()
	metrics.EditSessionOpened()
	return session, nil
}

// Session returns the live session for a device, if any.
func (m *EditManager) Session(userID UserID, device DeviceID) (*EditSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionKey{user: userID.String(), device: device.String()}]
	return session, ok
}

// CloseSession closes the session for a device. Closing an absent session
// returns ErrNoSession.
func (m *EditManager) CloseSession(ctx context.Context, userID UserID, device DeviceID) error {
	session, ok := m.Session(userID, device)
	if !ok {
		return ErrNoSession
	}
	return session.Close(ctx)
}

// CloseAll closes every live session. Used at shutdown so pending drafts
// flush and held locks release.
func (m *EditManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	open := make([]*EditSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		open = append(open, session)
	}
	m.mu.Unlock()

	for _, session := range open {
		if err := session.Close(ctx); err != nil {
			m.logger.Warn("closing edit session failed",
				zap.String("user_id", session.key.user),
				zap.String("device", session.key.device),
				zap.Error(err))
		}
	}
}

func (m *EditManager) pendingConflictFor(ctx context.Context, userID UserID, chapter ChapterRef) *NoteConflict {
	conflicts, err := m.service.PendingConflicts(ctx, userID, chapter.Book)
	if err != nil {
		// Conflict discovery is advisory at open time. The write path
		// still detects divergence on its own.
		m.logger.Warn("pending conflict lookup failed",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return nil
	}
	for i := range conflicts {
		if conflicts[i].Chapter == chapter {
			return &conflicts[i]
		}
	}
	return nil
}

// lockForEditing attempts the edit lock. A lock store failure degrades to
// editing without a held lock rather than blocking note-taking.
func (m *EditManager) lockForEditing(ctx context.Context, session *EditSession, force bool) {
	outcome, err := m.service.AcquireLock(ctx, session.userID, session.chapter, session.device, force)
	if err != nil {
		m.logger.Warn("lock acquisition failed, editing without lock",
			zap.String("user_id", session.key.user),
			zap.String("device", session.key.device),
			zap.Error(err))
		session.mu.Lock()
		session.mode = ModeEditing
		session.lockHeld = false
		session.mu.Unlock()
		return
	}

	switch outcome.Status {
	case LockStatusAcquired, LockStatusAlreadyMine:
		session.mu.Lock()
		session.mode = ModeEditing
		session.lockHeld = true
		session.holderDevice = ""
		session.holderSince = 0
		alreadyRunning := session.refreshDone != nil
		session.mu.Unlock()
		if !alreadyRunning {
			session.startRefreshLoop(m.lockRefresh)
		}
	case LockStatusHeldByOther:
		session.mu.Lock()
		session.mode = ModeLockedOut
		session.lockHeld = false
		session.holderDevice = outcome.HolderDevice
		session.holderSince = outcome.SinceSeconds
		session.mu.Unlock()
	}
}

// EditSession is one device's live editing state for one chapter.
type EditSession struct {
	manager *EditManager
	key     sessionKey
	userID  UserID
	device  DeviceID
	chapter ChapterRef

	saveTask debounce.Task
	idleTask debounce.Task

	mu              sync.Mutex
	mode            SessionMode
	lockHeld        bool
	holderDevice    string
	holderSince     int64
	saveState       SaveState
	saveMessage     string
	record          NoteRecord
	baseVersion     int64
	draft           []SectionDraft
	draftModifiedAt int64
	dirty           bool
	conflict        *NoteConflict
	refreshDone     chan struct{}
	closed          bool
}

// SessionState is a point-in-time snapshot of a session for transport.
type SessionState struct {
	Chapter            ChapterRef
	Mode               SessionMode
	LockHeld           bool
	HolderDevice       string
	HolderSinceSeconds int64
	SaveState          SaveState
	SaveMessage        string
	BaseVersion        int64
	Dirty              bool
	Note               NoteRecord
	Conflict           *NoteConflict
}

// State snapshots the session.
func (s *EditSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		Chapter:            s.chapter,
		Mode:               s.mode,
		LockHeld:           s.lockHeld,
		HolderDevice:       s.holderDevice,
		HolderSinceSeconds: s.holderSince,
		SaveState:          s.saveState,
		SaveMessage:        s.saveMessage,
		BaseVersion:        s.baseVersion,
		Dirty:              s.dirty,
		Note:               s.record,
		Conflict:           s.conflict,
	}
}

// Chapter returns the chapter this session edits.
func (s *EditSession) Chapter() ChapterRef {
	return s.chapter
}

// SubmitDraft replaces the pending draft and restarts the save debounce.
// Rapid submissions collapse into the single final write.
func (s *EditSession) SubmitDraft(sections []SectionDraft, modifiedAtSeconds int64) error {
	for _, draft := range sections {
		if err := draft.validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.mode != ModeEditing {
		s.mu.Unlock()
		return ErrNotEditing
	}
	s.draft = sections
	s.draftModifiedAt = modifiedAtSeconds
	s.dirty = true
	s.mu.Unlock()

	s.saveTask.Schedule(s.manager.saveDebounce, func() {
		s.commit(context.Background())
	})
	return nil
}

// EditAnyway forces the edit lock away from its current holder. The
// displaced device finds out on its next heartbeat.
func (s *EditSession) EditAnyway(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.manager.lockForEditing(ctx, s, true)
}

// SyncState layers the session's own pending work over the store's view.
func (s *EditSession) SyncState(ctx context.Context) SyncState {
	s.mu.Lock()
	busy := s.dirty || s.saveState == SaveStateSaving
	s.mu.Unlock()
	if busy {
		return SyncStateSyncing
	}
	return s.manager.service.ChapterSyncState(ctx, s.userID, s.chapter)
}

// Close flushes the pending draft, stops background work, and releases a
// held lock. Closing twice is harmless.
func (s *EditSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.saveTask.Flush()
	s.idleTask.Cancel()
	s.stopRefreshLoop()

	s.mu.Lock()
	s.closed = true
	lockHeld := s.lockHeld
	s.lockHeld = false
	s.mu.Unlock()

	var releaseErr error
	if lockHeld {
		if _, err := s.manager.service.ReleaseLock(ctx, s.userID, s.chapter, s.device); err != nil {
			s.manager.logger.Warn("lock release failed on session close",
				zap.String("user_id", s.key.user),
				zap.String("device", s.key.device),
				zap.Error(err))
			releaseErr = err
		}
	}

	s.manager.mu.Lock()
	if s.manager.sessions[s.key] == s {
		delete(s.manager.sessions, s.key)
	}
	s.manager.mu.Unlock()
	metrics.EditSessionClosed()
	return releaseErr
}

func (s *EditSession) commit(ctx context.Context) {
	s.mu.Lock()
	if s.closed || !s.dirty {
		s.mu.Unlock()
		return
	}
	request := WriteRequest{
		UserID:            s.userID,
		Chapter:           s.chapter,
		Device:            s.device,
		BaseVersion:       s.baseVersion,
		ModifiedAtSeconds: s.draftModifiedAt,
		Sections:          s.draft,
	}
	s.dirty = false
	s.saveState = SaveStateSaving
	s.saveMessage = ""
	s.mu.Unlock()
	s.publishSaveState(SaveStateSaving, "")

	outcome, err := s.manager.service.WriteNote(ctx, request)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		// The draft stays pending so the next keystroke or flush retries.
		s.dirty = true
		s.saveState = SaveStateError
		s.saveMessage = "save failed"
		s.mu.Unlock()
		s.manager.logger.Warn("draft commit failed",
			zap.String("user_id", s.key.user),
			zap.String("device", s.key.device),
			zap.Error(err))
		s.publishSaveState(SaveStateError, "save failed")
		return
	}

	switch outcome.Status {
	case WriteStatusAccepted:
		s.baseVersion = outcome.Note.Note.Version
		s.record = outcome.Note
		s.saveState = SaveStateSaved
		s.mu.Unlock()
		s.publishSaveState(SaveStateSaved, "")
		s.idleTask.Schedule(s.manager.savedHold, s.settleIdle)
	case WriteStatusConflict:
		// The divergent draft is now preserved server-side, so it no
		// longer needs a retry from here.
		s.saveState = SaveStateConflict
		s.conflict = outcome.Conflict
		s.record = outcome.Note
		s.mu.Unlock()
		s.publishSaveState(SaveStateConflict, "")
	case WriteStatusLockedByOther:
		s.dirty = true
		s.saveState = SaveStateLocked
		s.mode = ModeLockedOut
		s.lockHeld = false
		s.holderDevice = outcome.LockHolder
		s.holderSince = outcome.LockedSinceSeconds
		s.mu.Unlock()
		s.publishSaveState(SaveStateLocked, "")
		s.stopRefreshLoop()
	}
}

func (s *EditSession) settleIdle() {
	s.mu.Lock()
	if s.closed || s.saveState != SaveStateSaved {
		s.mu.Unlock()
		return
	}
	s.saveState = SaveStateIdle
	s.mu.Unlock()
	s.publishSaveState(SaveStateIdle, "")
}

func (s *EditSession) publishSaveState(state SaveState, message string) {
	if s.manager.events == nil {
		return
	}
	s.manager.events(s.key.user, Event{
		Kind:    EventSaveStatus,
		Book:    s.chapter.Book,
		Chapter: s.chapter.Chapter,
		Device:  s.key.device,
		State:   string(state),
		Message: message,
	})
}

func (s *EditSession) startRefreshLoop(interval time.Duration) {
	done := make(chan struct{})
	s.mu.Lock()
	if s.refreshDone != nil {
		s.mu.Unlock()
		close(done)
		return
	}
	s.refreshDone = done
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.refreshHeldLock()
			case <-done:
				return
			}
		}
	}()
}

func (s *EditSession) stopRefreshLoop() {
	s.mu.Lock()
	done := s.refreshDone
	s.refreshDone = nil
	s.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (s *EditSession) refreshHeldLock() {
	s.mu.Lock()
	if s.closed || !s.lockHeld {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	outcome, err := s.manager.service.RefreshLock(context.Background(), s.userID, s.chapter, s.device)
	if err != nil {
		// Keep editing through transient store trouble. The lock is
		// advisory and the write path re-checks it anyway.
		s.manager.logger.Warn("lock refresh failed",
			zap.String("user_id", s.key.user),
			zap.String("device", s.key.device),
			zap.Error(err))
		return
	}
	if outcome.Status == LockStatusHeldByOther {
		s.mu.Lock()
		s.mode = ModeLockedOut
		s.lockHeld = false
		s.holderDevice = outcome.HolderDevice
		s.holderSince = outcome.SinceSeconds
		s.mu.Unlock()
		s.publishSaveState(SaveStateLocked, "")
		s.stopRefreshLoop()
	}
}
