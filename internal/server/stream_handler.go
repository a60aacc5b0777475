package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	NoteID    int64  `json:"noteId"`
	Version   int64  `json:"version,omitempty"`
	Holder    string `json:"holder,omitempty"`
	Source    string `json:"source"`
	Timestamp int64  `json:"timestamp_s"`
}

// handleRealtimeStream keeps a server-sent event stream open for the caller and
// forwards lock and change events for memos they belong to.
func (h *httpHandler) handleRealtimeStream(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), principal.UserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				NoteID:    message.NoteID,
				Version:   message.Version,
				Holder:    message.Holder,
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp.Unix(),
			})
			return true
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "timestamp_s": tick.UTC().Unix()})
			return true
		}
	})
}
