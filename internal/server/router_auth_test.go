package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lecternlabs/lectern/internal/auth"
	"github.com/lecternlabs/lectern/internal/devices"
)

func TestAppleAuthIssuesSessionToken(t *testing.T) {
	env := newTestEnvironment(t)

	body := `{"identity_token":"apple-identity-token","device":{"device_id":"` + testDeviceID + `","name":"Kitchen iPad","platform":"ipados","model":"iPad13,16"}}`
	recorder := env.do(t, http.MethodPost, "/auth/apple", "", body)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (body %s)", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
		UserID      string `json:"user_id"`
		Device      struct {
			DeviceID string `json:"device_id"`
			Name     string `json:"name"`
		} `json:"device"`
	}
	decodeBody(t, recorder, &payload)
	if payload.AccessToken == "" {
		t.Fatal("expected a non-empty access token")
	}
	if payload.TokenType != "Bearer" {
		t.Fatalf("expected token type Bearer, got %q", payload.TokenType)
	}
	if payload.ExpiresIn <= 0 {
		t.Fatalf("expected a positive expiry, got %d", payload.ExpiresIn)
	}
	if payload.UserID != testUserID {
		t.Fatalf("expected user %q, got %q", testUserID, payload.UserID)
	}
	if payload.Device.DeviceID != testDeviceID || payload.Device.Name != "Kitchen iPad" {
		t.Fatalf("unexpected device echo: %+v", payload.Device)
	}

	protected := env.do(t, http.MethodGet, "/notes/chapters", payload.AccessToken, "")
	if protected.Code != http.StatusOK {
		t.Fatalf("expected issued token to authorize, got %d (body %s)", protected.Code, protected.Body.String())
	}
}

func TestAppleAuthRejectsMissingIdentityToken(t *testing.T) {
	env := newTestEnvironment(t)
	recorder := env.do(t, http.MethodPost, "/auth/apple", "", `{"identity_token":"  "}`)
	assertErrorCode(t, recorder, http.StatusBadRequest, "invalid_request")
}

func TestAppleAuthRejectsFailedVerification(t *testing.T) {
	env := newTestEnvironment(t)
	env.verifier.err = errors.New("identity token signature mismatch")

	body := `{"identity_token":"tampered","device":{"device_id":"` + testDeviceID + `"}}`
	recorder := env.do(t, http.MethodPost, "/auth/apple", "", body)
	assertErrorCode(t, recorder, http.StatusUnauthorized, "unauthorized")
}

func TestAppleAuthRejectsMalformedDeviceID(t *testing.T) {
	env := newTestEnvironment(t)
	body := `{"identity_token":"apple-identity-token","device":{"device_id":"not-a-uuid"}}`
	recorder := env.do(t, http.MethodPost, "/auth/apple", "", body)
	assertErrorCode(t, recorder, http.StatusBadRequest, "invalid_device")
}

func TestProtectedRoutesRequireSessionToken(t *testing.T) {
	env := newTestEnvironment(t)
	for _, path := range []string{"/notes/chapters", "/history", "/link/status", "/devices", "/progress"} {
		recorder := env.do(t, http.MethodGet, path, "", "")
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("expected %s to require a token, got %d", path, recorder.Code)
		}
	}
}

func TestSessionTokenAcceptedFromQueryParameter(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, testUserID, testDeviceID)

	recorder := env.do(t, http.MethodGet, "/notes/chapters?access_token="+token, "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected query token to authorize, got %d (body %s)", recorder.Code, recorder.Body.String())
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/notes/chapters", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: auth.ErrExpiredSessionToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "session token expired" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/notes/chapters", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entry.Level)
	}
	if entry.Message != "session token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
}

func TestAuthorizeRequestIgnoresMissingTokenInLogs(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/notes/chapters", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: auth.ErrMissingSessionToken},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	if entryCount := len(logs.All()); entryCount != 0 {
		t.Fatalf("expected no log entries for a bare request, got %d", entryCount)
	}
}

func TestListDevicesReturnsRegistrations(t *testing.T) {
	env := newTestEnvironment(t)
	register := func(deviceID, name string) {
		t.Helper()
		if _, err := env.devices.Register(testUserID, devices.Registration{DeviceID: deviceID, Name: name, Platform: "ipados"}); err != nil {
			t.Fatalf("failed to register device: %v", err)
		}
	}
	register(testDeviceID, "Kitchen iPad")
	register(otherDeviceID, "Office iPhone")

	token := env.issueToken(t, testUserID, testDeviceID)
	recorder := env.do(t, http.MethodGet, "/devices", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (body %s)", http.StatusOK, recorder.Code, recorder.Body.String())
	}

	var payload struct {
		Devices []struct {
			DeviceID string `json:"device_id"`
			Name     string `json:"name"`
		} `json:"devices"`
	}
	decodeBody(t, recorder, &payload)
	if len(payload.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(payload.Devices))
	}
	names := map[string]string{}
	for _, device := range payload.Devices {
		names[device.DeviceID] = device.Name
	}
	if names[testDeviceID] != "Kitchen iPad" || names[otherDeviceID] != "Office iPhone" {
		t.Fatalf("unexpected device listing: %+v", payload.Devices)
	}
}

func TestRenameDevice(t *testing.T) {
	env := newTestEnvironment(t)
	if _, err := env.devices.Register(testUserID, devices.Registration{DeviceID: testDeviceID, Name: "Kitchen iPad"}); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}
	token := env.issueToken(t, testUserID, testDeviceID)

	recorder := env.do(t, http.MethodPatch, "/devices/"+testDeviceID, token, `{"name":"Study iPad"}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (body %s)", http.StatusOK, recorder.Code, recorder.Body.String())
	}
	var payload struct {
		Name string `json:"name"`
	}
	decodeBody(t, recorder, &payload)
	if payload.Name != "Study iPad" {
		t.Fatalf("expected renamed device, got %q", payload.Name)
	}

	missing := env.do(t, http.MethodPatch, "/devices/"+otherDeviceID, token, `{"name":"Ghost"}`)
	assertErrorCode(t, missing, http.StatusNotFound, "device_not_found")

	malformed := env.do(t, http.MethodPatch, "/devices/not-a-uuid", token, `{"name":"Broken"}`)
	assertErrorCode(t, malformed, http.StatusBadRequest, "invalid_device")
}

type stubTokenManager struct {
	validateErr error
	claims      auth.SessionClaims
}

func (s stubTokenManager) IssueSessionToken(context.Context, string, string) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	if s.validateErr != nil {
		return auth.SessionClaims{}, s.validateErr
	}
	return s.claims, nil
}
