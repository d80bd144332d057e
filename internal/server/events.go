package server

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const realtimeHeartbeatInterval = 25 * time.Second

// handleEvents streams realtime events over SSE. One stream carries both
// the user's note events and the device's scroll-link events. EventSource
// clients cannot set headers, so the authorize middleware also accepts
// the token as a query parameter.
func (h *httpHandler) handleEvents(c *gin.Context) {
	userID, deviceID, ok := h.currentDevice(c)
	if !ok {
		return
	}
	// Opening the stream is the device checking in.
	if err := h.devices.Touch(deviceID); err != nil {
		h.logger.Debug("device last-seen update failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}

	ctx := c.Request.Context()
	noteStream, cancelNotes := h.dispatcher.Subscribe(ctx, UserTopic(userID))
	defer cancelNotes()
	linkStream, cancelLink := h.dispatcher.Subscribe(ctx, LinkTopic(linkSessionID(userID, deviceID)))
	defer cancelLink()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// EventSource clients treat the connection as pending until the first
	// bytes arrive, so greet immediately rather than waiting for an event.
	c.SSEvent(realtimeEventConnected, gin.H{"ts": time.Now().Unix()})
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-noteStream:
			if !open {
				return false
			}
			c.SSEvent(message.Event, message.Payload)
			return true
		case message, open := <-linkStream:
			if !open {
				return false
			}
			c.SSEvent(message.Event, message.Payload)
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": time.Now().Unix()})
			return true
		}
	})
}
