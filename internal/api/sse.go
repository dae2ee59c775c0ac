package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"chatternest/internal/models"
)

// streamMessages serves the live feed over Server-Sent Events. Every
// underlying change re-delivers the full current window as one event, never
// a diff, so the client can replace its local state wholesale.
func (h *Handler) streamMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	setupSSEHeaders(c.Writer)
	flusher.Flush()

	updates, cancel := h.chats.Observe(userID)
	defer cancel()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case window, ok := <-updates:
			if !ok {
				// Session detached (sign-out or user switch).
				return
			}
			sendSSEEvent(c.Writer, flusher, "messages", window)
		}
	}
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, window []models.Message) {
	data, err := json.Marshal(window)
	if err != nil {
		log.Printf("api: marshal sse payload failed: %v", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
