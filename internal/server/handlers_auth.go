package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lecternlabs/lectern/internal/devices"
)

type appleAuthRequestPayload struct {
	IdentityToken string                    `json:"identity_token"`
	Device        deviceRegistrationPayload `json:"device"`
}

type deviceRegistrationPayload struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Model    string `json:"model"`
}

type authResponsePayload struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   int64         `json:"expires_in"`
	TokenType   string        `json:"token_type"`
	UserID      string        `json:"user_id"`
	Device      devicePayload `json:"device"`
}

type devicePayload struct {
	DeviceID   string `json:"device_id"`
	Name       string `json:"name,omitempty"`
	Platform   string `json:"platform,omitempty"`
	Model      string `json:"model,omitempty"`
	LastSeenAt int64  `json:"last_seen_s"`
}

func buildDevicePayload(device devices.Device) devicePayload {
	return devicePayload{
		DeviceID:   device.DeviceID,
		Name:       device.Name,
		Platform:   device.Platform,
		Model:      device.Model,
		LastSeenAt: device.LastSeenAt.Unix(),
	}
}

// handleAppleAuth exchanges a Sign in with Apple identity token for a
// session token bound to the calling device. The device registers (or
// refreshes) in the same exchange so lock holders and writers always have
// a display name.
func (h *httpHandler) handleAppleAuth(c *gin.Context) {
	var request appleAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IdentityToken)
	if err != nil {
		h.logger.Warn("apple token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	device, err := h.devices.Register(claims.Subject, devices.Registration{
		DeviceID: request.Device.DeviceID,
		Name:     request.Device.Name,
		Platform: request.Device.Platform,
		Model:    request.Device.Model,
	})
	switch {
	case errors.Is(err, devices.ErrInvalidRegistration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device"})
		return
	case errors.Is(err, devices.ErrDeviceNotFound):
		c.JSON(http.StatusConflict, gin.H{"error": "device_in_use"})
		return
	case err != nil:
		h.logger.Error("device registration failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), claims.Subject, device.DeviceID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      claims.Subject,
		Device:      buildDevicePayload(device),
	})
}

func (h *httpHandler) handleListDevices(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	registered, err := h.devices.List(userID)
	if err != nil {
		h.logger.Error("device list failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	payload := make([]devicePayload, 0, len(registered))
	for _, device := range registered {
		payload = append(payload, buildDevicePayload(device))
	}
	c.JSON(http.StatusOK, gin.H{"devices": payload})
}

type renameDevicePayload struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleRenameDevice(c *gin.Context) {
	userID, ok := h.currentUser(c)
	if !ok {
		return
	}
	var request renameDevicePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	device, err := h.devices.Rename(userID, c.Param("id"), request.Name)
	switch {
	case errors.Is(err, devices.ErrInvalidRegistration):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case errors.Is(err, devices.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
		return
	case err != nil:
		h.logger.Error("device rename failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, buildDevicePayload(device))
}
