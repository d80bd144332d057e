package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lecternlabs/lectern/internal/notes"
)

type editOpenPayload struct {
	Book    int    `json:"book"`
	Chapter int    `json:"chapter"`
	Intent  string `json:"intent"`
}

type sessionStatePayload struct {
	Book         int              `json:"book"`
	Chapter      int              `json:"chapter"`
	Mode         string           `json:"mode"`
	LockHeld     bool             `json:"lock_held"`
	HolderDevice string           `json:"holder_device,omitempty"`
	HolderName   string           `json:"holder_name,omitempty"`
	HolderSince  int64            `json:"holder_since_s,omitempty"`
	SaveState    string           `json:"save_state"`
	SaveMessage  string           `json:"save_message,omitempty"`
	BaseVersion  int64            `json:"base_version"`
	Dirty        bool             `json:"dirty"`
	Note         notePayload      `json:"note"`
	Conflict     *conflictPayload `json:"conflict,omitempty"`
}

func (h *httpHandler) buildSessionState(state notes.SessionState) sessionStatePayload {
	payload := sessionStatePayload{
		Book:         state.Chapter.Book,
		Chapter:      state.Chapter.Chapter,
		Mode:         string(state.Mode),
		LockHeld:     state.LockHeld,
		HolderDevice: state.HolderDevice,
		HolderSince:  state.HolderSinceSeconds,
		SaveState:    string(state.SaveState),
		SaveMessage:  state.SaveMessage,
		BaseVersion:  state.BaseVersion,
		Dirty:        state.Dirty,
		Note:         h.buildNotePayload(state.Note, false),
	}
	if state.HolderDevice != "" {
		payload.HolderName = h.devices.DisplayName(state.HolderDevice)
	}
	if state.Conflict != nil {
		conflict := h.buildConflictPayload(*state.Conflict)
		payload.Conflict = &conflict
	}
	return payload
}

// handleEditOpen starts (or restarts) the device's edit session on a
// chapter. Opening with edit intent attempts the advisory lock; the
// resulting mode tells the client what it may do.
func (h *httpHandler) handleEditOpen(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	var request editOpenPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	chapter, err := notes.NewChapterRef(request.Book, request.Chapter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_chapter"})
		return
	}
	intent := notes.IntentRead
	switch request.Intent {
	case "", string(notes.IntentRead):
	case string(notes.IntentEdit):
		intent = notes.IntentEdit
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_intent"})
		return
	}

	session, err := h.editor.OpenSession(c.Request.Context(), userID, deviceID, chapter, intent)
	if err != nil {
		h.noteFailure(c, "edit session open failed", err)
		return
	}
	c.JSON(http.StatusOK, h.buildSessionState(session.State()))
}

type editDraftPayload struct {
	ModifiedAtSeconds int64                `json:"modified_at_s"`
	Sections          []notes.SectionDraft `json:"sections"`
}

func (h *httpHandler) handleEditDraft(c *gin.Context) {
	session, ok := h.editSession(c)
	if !ok {
		return
	}
	var request editDraftPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := session.SubmitDraft(request.Sections, request.ModifiedAtSeconds)
	switch {
	case errors.Is(err, notes.ErrInvalidSection):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_section"})
		return
	case errors.Is(err, notes.ErrSessionClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
		return
	case errors.Is(err, notes.ErrNotEditing):
		c.JSON(http.StatusLocked, gin.H{"error": "not_editing", "mode": string(session.State().Mode)})
		return
	case err != nil:
		h.noteFailure(c, "draft submission failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scheduled", "save_state": string(session.State().SaveState)})
}

// handleEditAnyway force-takes the edit lock for a locked-out session.
func (h *httpHandler) handleEditAnyway(c *gin.Context) {
	session, ok := h.editSession(c)
	if !ok {
		return
	}
	session.EditAnyway(c.Request.Context())
	c.JSON(http.StatusOK, h.buildSessionState(session.State()))
}

func (h *httpHandler) handleEditClose(c *gin.Context) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return
	}
	err := h.editor.CloseSession(c.Request.Context(), userID, deviceID)
	switch {
	case errors.Is(err, notes.ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
		return
	case err != nil:
		h.noteFailure(c, "edit session close failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}

func (h *httpHandler) handleEditState(c *gin.Context) {
	session, ok := h.editSession(c)
	if !ok {
		return
	}
	payload := h.buildSessionState(session.State())
	c.JSON(http.StatusOK, gin.H{
		"session":    payload,
		"sync_state": string(session.SyncState(c.Request.Context())),
	})
}

func (h *httpHandler) editSession(c *gin.Context) (*notes.EditSession, bool) {
	userID, deviceID, ok := h.noteDevice(c)
	if !ok {
		return nil, false
	}
	session, ok := h.editor.Session(userID, deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
		return nil, false
	}
	return session, true
}
