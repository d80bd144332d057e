package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lecternlabs/lectern/internal/auth"
	"github.com/lecternlabs/lectern/internal/devices"
	"github.com/lecternlabs/lectern/internal/history"
	"github.com/lecternlabs/lectern/internal/notes"
	"github.com/lecternlabs/lectern/internal/plans"
	"github.com/lecternlabs/lectern/internal/ref"
	"github.com/lecternlabs/lectern/internal/scripture"
	"github.com/lecternlabs/lectern/internal/scrolllink"
)

const (
	testUserID    = "001234.f8a02b1c9d7e4f3a"
	testDeviceID  = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	otherDeviceID = "6ba7b811-9dad-11d1-80b4-00c04fd430c8"
	otherUserID   = "009876.aa11bb22cc33dd44"
)

type stubAppleVerifier struct {
	subject string
	err     error
}

func (s *stubAppleVerifier) Verify(_ context.Context, _ string) (auth.AppleClaims, error) {
	if s.err != nil {
		return auth.AppleClaims{}, s.err
	}
	return auth.AppleClaims{Subject: s.subject, Audience: "com.lecternlabs.lectern"}, nil
}

type testEnvironment struct {
	handler    http.Handler
	verifier   *stubAppleVerifier
	issuer     *auth.TokenIssuer
	dispatcher *RealtimeDispatcher
	notes      *notes.Service
	editor     *notes.EditManager
	devices    *devices.Service
	library    *plans.Library
	plansDir   string
	db         *gorm.DB
}

func newTestEnvironment(t *testing.T) *testEnvironment {
	t.Helper()
	return newTestEnvironmentWithLogger(t, zap.NewNop())
}

func newTestEnvironmentWithLogger(t *testing.T, logger *zap.Logger) *testEnvironment {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:lectern_server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(
		&notes.Note{}, &notes.NoteSection{}, &notes.ConflictVersion{},
		&devices.Device{}, &plans.ProgressEntry{},
		&scripture.Translation{}, &scripture.Verse{}, &scripture.CrossReference{},
		&scripture.TopicReference{}, &scripture.LexiconEntry{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	dispatcher := NewRealtimeDispatcher()

	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: notes.NewUUIDProvider(),
		Events:     NotePublisher(dispatcher),
	})
	if err != nil {
		t.Fatalf("failed to build notes service: %v", err)
	}
	editor, err := notes.NewEditManager(notes.EditManagerConfig{
		Service:      noteService,
		Clock:        clock,
		SaveDebounce: 30 * time.Millisecond,
		SavedHold:    40 * time.Millisecond,
		LockRefresh:  time.Hour,
		Events:       NotePublisher(dispatcher),
	})
	if err != nil {
		t.Fatalf("failed to build edit manager: %v", err)
	}
	scriptureService, err := scripture.NewService(scripture.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build scripture service: %v", err)
	}
	deviceService, err := devices.NewService(devices.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build device registry: %v", err)
	}
	plansDir := t.TempDir()
	library, err := plans.NewLibrary(plansDir, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build plan library: %v", err)
	}
	tracker, err := plans.NewTracker(plans.TrackerConfig{Database: db, Library: library, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build plan tracker: %v", err)
	}
	coordinator := scrolllink.NewCoordinator(scrolllink.Config{
		Quiescence: 25 * time.Millisecond,
		Settle:     40 * time.Millisecond,
		TopBand:    50,
		Publish:    LinkPublisher(dispatcher),
	})
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "lectern-auth",
		Audience:      "lectern-api",
		TokenTTL:      time.Hour,
	})
	verifier := &stubAppleVerifier{subject: testUserID}

	handler, err := NewHTTPHandler(Dependencies{
		AppleVerifier:   verifier,
		TokenManager:    issuer,
		NotesService:    noteService,
		EditManager:     editor,
		Preview:         notes.NewPreviewRenderer(),
		Scripture:       scriptureService,
		PlanLibrary:     library,
		PlanTracker:     tracker,
		Devices:         deviceService,
		History:         history.NewManager(),
		LinkCoordinator: coordinator,
		Dispatcher:      dispatcher,
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &testEnvironment{
		handler:    handler,
		verifier:   verifier,
		issuer:     issuer,
		dispatcher: dispatcher,
		notes:      noteService,
		editor:     editor,
		devices:    deviceService,
		library:    library,
		plansDir:   plansDir,
		db:         db,
	}
}

func (env *testEnvironment) issueToken(t *testing.T, userID, deviceID string) string {
	t.Helper()
	token, _, err := env.issuer.IssueSessionToken(context.Background(), userID, deviceID)
	if err != nil {
		t.Fatalf("failed to issue session token: %v", err)
	}
	return token
}

func (env *testEnvironment) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func assertErrorCode(t *testing.T, recorder *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d (body %s)", status, recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Error string `json:"error"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Error != code {
		t.Fatalf("expected error code %q, got %q", code, payload.Error)
	}
}

func (env *testEnvironment) seedScripture(t *testing.T) {
	t.Helper()
	translation := scripture.Translation{Code: "kjv", Name: "King James Version", Language: "en", VerseCount: 3, ImportedAtSeconds: 1700000000}
	if err := env.db.Create(&translation).Error; err != nil {
		t.Fatalf("failed to seed translation: %v", err)
	}
	rows := []scripture.Verse{
		{TranslationCode: "kjv", VerseKey: ref.Encode(43, 3, 16).Int64(), Book: 43, Chapter: 3, VerseNumber: 16, Text: "For God so loved the world", SearchText: scripture.NormalizeSearchText("For God so loved the world")},
		{TranslationCode: "kjv", VerseKey: ref.Encode(43, 3, 17).Int64(), Book: 43, Chapter: 3, VerseNumber: 17, Text: "For God sent not his Son into the world to condemn the world", SearchText: scripture.NormalizeSearchText("For God sent not his Son into the world to condemn the world")},
		{TranslationCode: "kjv", VerseKey: ref.Encode(43, 3, 18).Int64(), Book: 43, Chapter: 3, VerseNumber: 18, Text: "He that believeth on him is not condemned", SearchText: scripture.NormalizeSearchText("He that believeth on him is not condemned")},
	}
	for _, row := range rows {
		if err := env.db.Create(&row).Error; err != nil {
			t.Fatalf("failed to seed verse: %v", err)
		}
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	gin.SetMode(gin.TestMode)
	_, err := NewHTTPHandler(Dependencies{})
	if err == nil {
		t.Fatal("expected missing dependencies to be rejected")
	}
	if !strings.Contains(err.Error(), "dependency required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnvironment(t)
	recorder := env.do(t, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Status != "ok" {
		t.Fatalf("unexpected health payload: %s", recorder.Body.String())
	}
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	env := newTestEnvironment(t)
	recorder := env.do(t, http.MethodGet, "/metrics", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "go_goroutines") {
		t.Fatal("expected prometheus exposition output in metrics body")
	}
}

func TestCORSPreflightAllowsConfiguredMethods(t *testing.T) {
	env := newTestEnvironment(t)

	request := httptest.NewRequest(http.MethodOptions, "/plans", http.NoBody)
	request.Header.Set("Origin", "https://example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)

	recorder := httptest.NewRecorder()
	env.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowMethods := recorder.Header().Get("Access-Control-Allow-Methods")
	for _, method := range []string{http.MethodPut, http.MethodPatch, http.MethodDelete} {
		if !strings.Contains(allowMethods, method) {
			t.Fatalf("expected %s in Access-Control-Allow-Methods, got %q", method, allowMethods)
		}
	}
}

func TestUnmatchedRouteReturns404(t *testing.T) {
	env := newTestEnvironment(t)
	recorder := env.do(t, http.MethodGet, "/nope", "", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, recorder.Code)
	}
}
