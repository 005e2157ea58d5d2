// Package api exposes the bridge's own HTTP surface: health, the blocking
// human-input entry point, and read-only debug endpoints.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bridgekit/bridgekit/internal/bridge/humaninput"
	"github.com/bridgekit/bridgekit/internal/bridge/logs"
	"github.com/bridgekit/bridgekit/internal/bridge/session"
	"github.com/bridgekit/bridgekit/internal/common/logger"
)

// Server holds the handlers behind the bridge's HTTP router.
type Server struct {
	store    *session.Store
	recorder *logs.Recorder
	human    *humaninput.Coordinator
	logger   *logger.Logger
	mode     string
}

// NewServer creates the HTTP surface.
func NewServer(store *session.Store, recorder *logs.Recorder, human *humaninput.Coordinator, containerMode bool, log *logger.Logger) *Server {
	mode := "standalone"
	if containerMode {
		mode = "container"
	}
	return &Server{
		store:    store,
		recorder: recorder,
		human:    human,
		logger:   log.WithFields(zap.String("component", "http-api")),
		mode:     mode,
	}
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.POST("/sessions/:id/human-input", s.handleHumanInput)

	debug := router.Group("/debug")
	{
		debug.GET("/sessions/:id/context", s.handleDebugContext)
		debug.GET("/sessions/:id/logs", s.handleDebugLogs)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"service":   "agent-bridge",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"mode":      s.mode,
	})
}

// humanInputRequest is the body of POST /sessions/:id/human-input.
type humanInputRequest struct {
	Prompt         string `json:"prompt" binding:"required"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// handleHumanInput blocks until the user answers over the socket or the
// timeout lapses.
func (s *Server) handleHumanInput(c *gin.Context) {
	sessionID := c.Param("id")

	var req humanInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	value, err := s.human.Request(c.Request.Context(), sessionID, req.Prompt, timeout)
	if err != nil {
		status := http.StatusGatewayTimeout
		if err != humaninput.ErrTimeout {
			status = http.StatusInternalServerError
		}
		s.logger.WithError(err).Warn("human input request failed",
			zap.String("session_id", sessionID))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "value": value})
}

func (s *Server) handleDebugContext(c *gin.Context) {
	sessionID := c.Param("id")

	snapshot := s.store.Snapshot(sessionID)
	if snapshot == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) handleDebugLogs(c *gin.Context) {
	sessionID := c.Param("id")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries := s.recorder.Recent(sessionID, limit)
	c.JSON(http.StatusOK, gin.H{
		"sessionId": sessionID,
		"count":     len(entries),
		"entries":   entries,
	})
}
