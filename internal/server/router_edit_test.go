package server

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

type editStateEnvelope struct {
	Session   sessionStateBody `json:"session"`
	SyncState string           `json:"sync_state"`
}

type sessionStateBody struct {
	Book         int    `json:"book"`
	Chapter      int    `json:"chapter"`
	Mode         string `json:"mode"`
	LockHeld     bool   `json:"lock_held"`
	HolderDevice string `json:"holder_device"`
	HolderName   string `json:"holder_name"`
	SaveState    string `json:"save_state"`
	BaseVersion  int64  `json:"base_version"`
	Dirty        bool   `json:"dirty"`
	Note         struct {
		Version  int64 `json:"version"`
		Exists   bool  `json:"exists"`
		Sections []struct {
			Content string `json:"content"`
		} `json:"sections"`
	} `json:"note"`
}

func openEditBody(intent string) string {
	if intent == "" {
		return `{"book":43,"chapter":3}`
	}
	return fmt.Sprintf(`{"book":43,"chapter":3,"intent":%q}`, intent)
}

func TestEditOpenDefaultsToReadOnly(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, testUserID, testDeviceID)

	recorder := env.do(t, http.MethodPost, "/edit/open", token, openEditBody(""))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (body %s)", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var state sessionStateBody
	decodeBody(t, recorder, &state)
	if state.Mode != "readOnly" || state.LockHeld {
		t.Fatalf("expected an unlocked read session, got %+v", state)
	}
	if state.Book != 43 || state.Chapter != 3 {
		t.Fatalf("unexpected chapter: %+v", state)
	}

	status := env.do(t, http.MethodGet, "/edit/state", token, "")
	var envelope editStateEnvelope
	decodeBody(t, status, &envelope)
	if envelope.Session.Mode != "readOnly" || envelope.SyncState != "synced" {
		t.Fatalf("unexpected state envelope: %+v", envelope)
	}
}

func TestEditOpenWithEditIntentTakesLock(t *testing.T) {
	env := newTestEnvironment(t)
	editor := env.issueToken(t, testUserID, testDeviceID)
	other := env.issueToken(t, testUserID, otherDeviceID)

	recorder := env.do(t, http.MethodPost, "/edit/open", editor, openEditBody("edit"))
	var state sessionStateBody
	decodeBody(t, recorder, &state)
	if state.Mode != "editing" || !state.LockHeld {
		t.Fatalf("expected an editing session holding the lock, got %+v", state)
	}

	contested := env.do(t, http.MethodPost, chapterNotePath+"/lock", other, "")
	if contested.Code != http.StatusLocked {
		t.Fatalf("expected the session lock to block other devices, got %d", contested.Code)
	}
}

func TestEditDraftAutosaves(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, testUserID, testDeviceID)

	if recorder := env.do(t, http.MethodPost, "/edit/open", token, openEditBody("edit")); recorder.Code != http.StatusOK {
		t.Fatalf("open failed: %d (body %s)", recorder.Code, recorder.Body.String())
	}

	draft := `{"modified_at_s":1700000500,"sections":[{"kind":"general","content":"autosaved thought"}]}`
	recorder := env.do(t, http.MethodPost, "/edit/draft", token, draft)
	if recorder.Code != http.StatusOK {
		t.Fatalf("draft failed: %d (body %s)", recorder.Code, recorder.Body.String())
	}
	var scheduled struct {
		Status string `json:"status"`
	}
	decodeBody(t, recorder, &scheduled)
	if scheduled.Status != "scheduled" {
		t.Fatalf("expected a scheduled save, got %q", scheduled.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := env.do(t, http.MethodGet, "/edit/state", token, "")
		var envelope editStateEnvelope
		decodeBody(t, status, &envelope)
		if envelope.Session.Note.Version >= 1 && !envelope.Session.Dirty {
			if len(envelope.Session.Note.Sections) != 1 || envelope.Session.Note.Sections[0].Content != "autosaved thought" {
				t.Fatalf("unexpected saved content: %+v", envelope.Session.Note.Sections)
			}
			if envelope.Session.BaseVersion != 1 {
				t.Fatalf("expected the session to track the new base version, got %d", envelope.Session.BaseVersion)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("autosave never landed: %+v", envelope.Session)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEditDraftRequiresEditingMode(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, testUserID, testDeviceID)

	if recorder := env.do(t, http.MethodPost, "/edit/open", token, openEditBody("")); recorder.Code != http.StatusOK {
		t.Fatalf("open failed: %d", recorder.Code)
	}

	draft := `{"sections":[{"kind":"general","content":"read-only scribble"}]}`
	recorder := env.do(t, http.MethodPost, "/edit/draft", token, draft)
	if recorder.Code != http.StatusLocked {
		t.Fatalf("expected status %d, got %d (body %s)", http.StatusLocked, recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Error string `json:"error"`
		Mode  string `json:"mode"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Error != "not_editing" || payload.Mode != "readOnly" {
		t.Fatalf("unexpected rejection: %+v", payload)
	}
}

func TestEditLockedOutThenAnyway(t *testing.T) {
	env := newTestEnvironment(t)
	first := env.issueToken(t, testUserID, testDeviceID)
	second := env.issueToken(t, testUserID, otherDeviceID)

	if recorder := env.do(t, http.MethodPost, "/edit/open", first, openEditBody("edit")); recorder.Code != http.StatusOK {
		t.Fatalf("first open failed: %d", recorder.Code)
	}

	blocked := env.do(t, http.MethodPost, "/edit/open", second, openEditBody("edit"))
	var state sessionStateBody
	decodeBody(t, blocked, &state)
	if state.Mode != "lockedOut" || state.LockHeld {
		t.Fatalf("expected a locked-out session, got %+v", state)
	}
	if state.HolderDevice != testDeviceID || state.HolderName == "" {
		t.Fatalf("expected holder identification, got %+v", state)
	}

	forced := env.do(t, http.MethodPost, "/edit/anyway", second, "")
	decodeBody(t, forced, &state)
	if state.Mode != "editing" || !state.LockHeld {
		t.Fatalf("expected an editing session after takeover, got %+v", state)
	}
}

func TestEditCloseReleasesLockAndSession(t *testing.T) {
	env := newTestEnvironment(t)
	first := env.issueToken(t, testUserID, testDeviceID)
	second := env.issueToken(t, testUserID, otherDeviceID)

	if recorder := env.do(t, http.MethodPost, "/edit/open", first, openEditBody("edit")); recorder.Code != http.StatusOK {
		t.Fatalf("open failed: %d", recorder.Code)
	}

	closed := env.do(t, http.MethodPost, "/edit/close", first, "")
	if closed.Code != http.StatusOK {
		t.Fatalf("close failed: %d (body %s)", closed.Code, closed.Body.String())
	}

	gone := env.do(t, http.MethodGet, "/edit/state", first, "")
	assertErrorCode(t, gone, http.StatusNotFound, "no_session")

	reclosed := env.do(t, http.MethodPost, "/edit/close", first, "")
	assertErrorCode(t, reclosed, http.StatusNotFound, "no_session")

	acquire := env.do(t, http.MethodPost, chapterNotePath+"/lock", second, "")
	if acquire.Code != http.StatusOK {
		t.Fatalf("expected the lock to be free after close, got %d (body %s)", acquire.Code, acquire.Body.String())
	}
}

func TestEditOpenValidation(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, testUserID, testDeviceID)

	badChapter := env.do(t, http.MethodPost, "/edit/open", token, `{"book":99,"chapter":1}`)
	assertErrorCode(t, badChapter, http.StatusBadRequest, "invalid_chapter")

	badIntent := env.do(t, http.MethodPost, "/edit/open", token, `{"book":43,"chapter":3,"intent":"annotate"}`)
	assertErrorCode(t, badIntent, http.StatusBadRequest, "invalid_intent")
}
