package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hsafa/gateway/internal/bus"
	"github.com/hsafa/gateway/pkg/models"
)

// sseEventName is the event field of every gateway SSE frame.
const sseEventName = "hsafa"

// streamSpace bridges a space's fan-out channel to an SSE response.
func (s *Server) streamSpace(c *gin.Context) {
	spaceID := c.Param("spaceId")
	stream, err := s.bus.SubscribeSpace(c.Request.Context(), spaceID, resumeCursor(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.serveSSE(c, stream, "space")
}

// streamRun bridges a run's fan-out channel to an SSE response.
func (s *Server) streamRun(c *gin.Context) {
	runID := c.Param("runId")
	stream, err := s.bus.SubscribeRun(c.Request.Context(), runID, resumeCursor(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.serveSSE(c, stream, "run")
}

// resumeCursor returns the client's replay cursor: the standard Last-Event-ID
// header, or a ?since query parameter for clients that cannot set headers.
func resumeCursor(c *gin.Context) string {
	if id := c.GetHeader("Last-Event-ID"); id != "" {
		return id
	}
	return c.Query("since")
}

// serveSSE writes events until the client disconnects, with periodic
// keep-alive comments so intermediaries hold the connection open.
func (s *Server) serveSSE(c *gin.Context, stream *bus.Stream, family string) {
	defer stream.Close()

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	if s.metrics != nil {
		s.metrics.SSESubscribers.WithLabelValues(family).Inc()
		defer s.metrics.SSESubscribers.WithLabelValues(family).Dec()
	}

	interval := s.cfg.SSEKeepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}
	keepAlive := time.NewTicker(interval)
	defer keepAlive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		case event, open := <-stream.Events():
			if !open {
				return
			}
			if err := writeSSE(c.Writer, event); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event models.BusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, sseEventName, payload)
	return err
}
