package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/notes"
)

type sectionPayload struct {
	SectionID  string `json:"section_id"`
	Kind       string `json:"kind"`
	StartVerse int    `json:"start_verse,omitempty"`
	EndVerse   int    `json:"end_verse,omitempty"`
	Content    string `json:"content"`
	HTML       string `json:"html,omitempty"`
	ModifiedAt int64  `json:"modified_at_s"`
}

type lockPayload struct {
	Device       string `json:"device"`
	DeviceName   string `json:"device_name,omitempty"`
	SinceSeconds int64  `json:"since_s"`
	ExpiresAt    int64  `json:"expires_at_s"`
}

type notePayload struct {
	Book             int              `json:"book"`
	Chapter          int              `json:"chapter"`
	Version          int64            `json:"version"`
	Exists           bool             `json:"exists"`
	CreatedAt        int64            `json:"created_at_s,omitempty"`
	ModifiedAt       int64            `json:"modified_at_s,omitempty"`
	LastWriterDevice string           `json:"last_writer_device,omitempty"`
	LastWriterName   string           `json:"last_writer_name,omitempty"`
	Sections         []sectionPayload `json:"sections"`
	Lock             *lockPayload     `json:"lock,omitempty"`
}

type versionSummaryPayload struct {
	VersionID     string `json:"version_id"`
	Device        string `json:"device"`
	DeviceName    string `json:"device_name,omitempty"`
	BaseVersion   int64  `json:"base_version"`
	ContentLength int    `json:"content_length"`
	ModifiedAt    int64  `json:"modified_at_s"`
}

type conflictPayload struct {
	Book     int                     `json:"book"`
	Chapter  int                     `json:"chapter"`
	Current  notePayload             `json:"current"`
	Versions []versionSummaryPayload `json:"versions"`
}

func (h *httpHandler) buildNotePayload(record notes.NoteRecord, includeHTML bool) notePayload {
	payload := notePayload{
		Book:             record.Note.Book,
		Chapter:          record.Note.Chapter,
		Version:          record.Note.Version,
		Exists:           record.Exists,
		CreatedAt:        record.Note.CreatedAtSeconds,
		ModifiedAt:       record.Note.ModifiedAtSeconds,
		LastWriterDevice: record.Note.LastWriterDevice,
		Sections:         make([]sectionPayload, 0, len(record.Sections)),
	}
	if record.Note.LastWriterDevice != "" {
		payload.LastWriterName = h.devices.DisplayName(record.Note.LastWriterDevice)
	}
	for _, section := range record.Sections {
		payload.Sections = append(payload.Sections, sectionPayload{
			SectionID:  section.SectionID,
			Kind:       section.Kind,
			StartVerse: section.StartVerse,
			EndVerse:   section.EndVerse,
			Content:    section.Content,
			ModifiedAt: section.ModifiedAtSeconds,
		})
	}
	if includeHTML {
		fragments, err := h.preview.RenderSections(record.Sections)
		if err != nil {
			h.logger.Warn("section render failed", zap.Error(err))
		} else {
			for i := range fragments {
				payload.Sections[i].HTML = fragments[i]
			}
		}
	}
	if record.Note.LockedByDevice != "" {
		payload.Lock = &lockPayload{
			Device:       record.Note.LockedByDevice,
			DeviceName:   h.devices.DisplayName(record.Note.LockedByDevice),
			SinceSeconds: record.Note.LockedAtSeconds,
			ExpiresAt:    record.Note.LockedAtSeconds + int64(h.notes.LockTTL()/time.Second),
		}
	}
	return payload
}

func (h *httpHandler) buildConflictPayload(conflict notes.NoteConflict) conflictPayload {
	payload := conflictPayload{
		Book:     conflict.Chapter.Book,
		Chapter:  conflict.Chapter.Chapter,
		Current:  h.buildNotePayload(conflict.Current, false),
		Versions: make([]versionSummaryPayload, 0, len(conflict.Versions)),
	}
	for _, version := range conflict.Versions {
		payload.Versions = append(payload.Versions, versionSummaryPayload{
			VersionID:     version.VersionID,
			Device:        version.Device,
			DeviceName:    h.devices.DisplayName(version.Device),
			BaseVersion:   version.BaseVersion,
			ContentLength: version.ContentLength,
			ModifiedAt:    version.ModifiedAtSeconds,
		})
	}
	return payload
}

func (h *httpHandler) noteUser(c *gin.Context) (notes.UserID, bool) {
	raw, ok := h.currentUser(c)
	if !ok {
		return "", false
	}
	userID, err := notes.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) noteDevice(c *gin.Context) (notes.UserID, notes.DeviceID, bool) {
	rawUser, rawDevice, ok := h.currentDevice(c)
	if !ok {
		return "", "", false
	}
	userID, err := notes.NewUserID(rawUser)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	deviceID, err := notes.NewDeviceID(rawDevice)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", "", false
	}
	return userID, deviceID, true
}

func (h *httpHandler) handleNoteChapters(c *gin.Context) {
	userID, ok := h.noteUser(c)
	if !ok {
		return
	}
	book := 0
	if raw := c.Query("book"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_book"})
			return
		}
		book = parsed
	}
	chapters, err := h.notes.ListNoteChapters(c.Request.Context(), userID, book)
	if err != nil {
		h.noteFailure(c, "note chapter list failed", err)
		return
	}
	payload := make([]gin.H, 0, len(chapters))
	for _, chapter := range chapters {
		payload = append(payload, gin.H{"book": chapter.Book, "chapter": chapter.Chapter})
	}
	c.JSON(http.StatusOK, gin.H{"chapters": payload})
}

// handleReadNote returns the chapter note, or the empty default for a
// chapter never written. Absence is not an error.
func (h *httpHandler) handleReadNote(c *gin.Context) {
	userID, ok := h.noteUser(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	record, err := h.notes.ReadNote(c.Request.Context(), userID, chapter)
	if err != nil {
		h.noteFailure(c, "note read failed", err)
		return
	}
	includeHTML := c.Query("include_html") == "1"
	c.JSON(http.StatusOK, gin.H{
		"note":       h.buildNotePayload(record, includeHTML),
		"sync_state": string(h.notes.ChapterSyncState(c.Request.Context(), userID, chapter)),
	})
}

type writeNotePayload struct {
	BaseVersion       int64                `json:"base_version"`
	ModifiedAtSeconds int64                `json:"modified_at_s"`
	Sections          []notes.SectionDraft `json:"sections"`
}

func (h *httpHandler) handleWriteNote(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	var request writeNotePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.notes.WriteNote(c.Request.Context(), notes.WriteRequest{
		UserID:            userID,
		Chapter:           chapter,
		Device:            deviceID,
		BaseVersion:       request.BaseVersion,
		ModifiedAtSeconds: request.ModifiedAtSeconds,
		Sections:          request.Sections,
	})
	if err != nil {
		h.noteFailure(c, "note write failed", err)
		return
	}

	switch outcome.Status {
	case notes.WriteStatusConflict:
		response := gin.H{
			"error":  "conflict",
			"status": string(outcome.Status),
			"note":   h.buildNotePayload(outcome.Note, false),
		}
		if outcome.Conflict != nil {
			response["conflict"] = h.buildConflictPayload(*outcome.Conflict)
		}
		c.JSON(http.StatusConflict, response)
	case notes.WriteStatusLockedByOther:
		c.JSON(http.StatusLocked, gin.H{
			"error":         "locked",
			"status":        string(outcome.Status),
			"holder_device": outcome.LockHolder,
			"holder_name":   h.devices.DisplayName(outcome.LockHolder),
			"since_s":       outcome.LockedSinceSeconds,
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status": string(outcome.Status),
			"note":   h.buildNotePayload(outcome.Note, false),
		})
	}
}

// handleNoteStatus reports the chapter's sync state. A device editing the
// chapter sees its own pending draft as syncing; everyone else sees the
// store's view.
func (h *httpHandler) handleNoteStatus(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	if session, open := h.editor.Session(userID, deviceID); open && session.Chapter() == chapter {
		c.JSON(http.StatusOK, gin.H{"sync_state": string(session.SyncState(c.Request.Context()))})
		return
	}
	state := h.notes.ChapterSyncState(c.Request.Context(), userID, chapter)
	c.JSON(http.StatusOK, gin.H{"sync_state": string(state)})
}

type lockRequestPayload struct {
	Force bool `json:"force"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	var request lockRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	outcome, err := h.notes.AcquireLock(c.Request.Context(), userID, chapter, deviceID, request.Force)
	if err != nil {
		h.noteFailure(c, "lock acquire failed", err)
		return
	}
	h.writeLockOutcome(c, outcome)
}

func (h *httpHandler) handleRefreshLock(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	outcome, err := h.notes.RefreshLock(c.Request.Context(), userID, chapter, deviceID)
	if err != nil {
		h.noteFailure(c, "lock refresh failed", err)
		return
	}
	h.writeLockOutcome(c, outcome)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	outcome, err := h.notes.ReleaseLock(c.Request.Context(), userID, chapter, deviceID)
	if err != nil {
		h.noteFailure(c, "lock release failed", err)
		return
	}
	h.writeLockOutcome(c, outcome)
}

func (h *httpHandler) writeLockOutcome(c *gin.Context, outcome notes.LockOutcome) {
	payload := gin.H{"status": string(outcome.Status)}
	if outcome.HolderDevice != "" {
		payload["holder_device"] = outcome.HolderDevice
		payload["holder_name"] = h.devices.DisplayName(outcome.HolderDevice)
	}
	if outcome.SinceSeconds != 0 {
		payload["since_s"] = outcome.SinceSeconds
	}
	if outcome.ExpiresAtSeconds != 0 {
		payload["expires_at_s"] = outcome.ExpiresAtSeconds
	}
	if outcome.Status == notes.LockStatusHeldByOther {
		payload["error"] = "locked"
		c.JSON(http.StatusLocked, payload)
		return
	}
	c.JSON(http.StatusOK, payload)
}

type resolveConflictPayload struct {
	KeepVersionID string `json:"keep_version_id"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	chapter, ok := chapterFromParams(c)
	if !ok {
		return
	}
	var request resolveConflictPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.KeepVersionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.notes.ResolveConflict(c.Request.Context(), userID, chapter, request.KeepVersionID, deviceID)
	switch {
	case errors.Is(err, notes.ErrNoConflict):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_conflict"})
		return
	case errors.Is(err, notes.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
		return
	case err != nil:
		h.noteFailure(c, "conflict resolve failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "resolved",
		"note":   h.buildNotePayload(record, false),
	})
}

func (h *httpHandler) handlePendingConflicts(c *gin.Context) {
	userID, ok := h.noteUser(c)
	if !ok {
		return
	}
	book := 0
	if raw := c.Query("book"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_book"})
			return
		}
		book = parsed
	}
	conflicts, err := h.notes.PendingConflicts(c.Request.Context(), userID, book)
	if err != nil {
		h.noteFailure(c, "conflict list failed", err)
		return
	}
	payload := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		payload = append(payload, h.buildConflictPayload(conflict))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": payload})
}

func (h *httpHandler) handleVersionContent(c *gin.Context) {
	userID, ok := h.noteUser(c)
	if !ok {
		return
	}
	versionID := c.Param("id")
	sections, err := h.notes.VersionContent(c.Request.Context(), userID, versionID)
	switch {
	case errors.Is(err, notes.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
		return
	case err != nil:
		h.noteFailure(c, "version content read failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version_id": versionID, "sections": sections})
}

type previewRequestPayload struct {
	Content string `json:"content"`
}

func (h *httpHandler) handlePreview(c *gin.Context) {
	var request previewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	html, err := h.preview.Render(request.Content)
	if err != nil {
		h.logger.Warn("markdown render failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "render_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"html": html})
}

// noteFailure maps note service errors onto responses. Section validation
// problems are the caller's fault; remaining service errors mean the
// store let us down.
func (h *httpHandler) noteFailure(c *gin.Context, message string, err error) {
	if errors.Is(err, notes.ErrInvalidSection) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_section"})
		return
	}
	if storeFailure(c, err) {
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
