// Package httpapi wires the WebSocket upgrade and read-only HTTP
// surface onto a gin.Engine (spec §4.3, §4.7). Route layout and the
// stats endpoint are adapted from the teacher's plain net/http Server,
// rebuilt on gin-gonic/gin per the rest of the retrieved corpus.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"github.com/collabcore/collabd/internal/persistence"
	"github.com/collabcore/collabd/internal/room"
	"github.com/collabcore/collabd/internal/session"
	"github.com/collabcore/collabd/pkg/logger"
)

// Server bundles the room manager, persistence handle, and session
// config needed to serve both the WebSocket upgrade and the read-only
// room/stat endpoints.
type Server struct {
	engine        *gin.Engine
	manager       *room.Manager
	store         *persistence.Store
	sessionCfg    session.Config
	maxFrameBytes int64
	startTime     time.Time
}

// New builds a gin.Engine with the collab routes registered.
// maxFrameBytes caps an inbound WebSocket frame's size (spec §4.6,
// config key maxFrameBytes); zero or negative selects the spec's
// documented 10 MiB default.
func New(manager *room.Manager, store *persistence.Store, sessionCfg session.Config, maxFrameBytes int64) *Server {
	if maxFrameBytes <= 0 {
		maxFrameBytes = 10 * 1024 * 1024
	}
	s := &Server{
		engine:        gin.New(),
		manager:       manager,
		store:         store,
		sessionCfg:    sessionCfg,
		maxFrameBytes: maxFrameBytes,
		startTime:     time.Now(),
	}
	s.engine.Use(gin.Recovery(), ginLogger())

	s.engine.GET("/api/socket", s.handleSocket)
	s.engine.GET("/api/rooms/:id", s.handleRoomSnapshot)
	s.engine.GET("/api/stats", s.handleStats)

	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func ginLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("httpapi: %s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// handleSocket upgrades the connection and hands it to a new session.
// Room membership is established in-band by the client's first
// JOIN_ROOM frame (spec §4.5), so no room id appears on this route.
func (s *Server) handleSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Error("httpapi: websocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(s.maxFrameBytes)

	sess := session.New(conn, s.manager, s.sessionCfg)
	if err := sess.Serve(c.Request.Context()); err != nil {
		logger.Debug("httpapi: session ended: %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handleRoomSnapshot returns a room's current document content and
// version as a read-only diagnostic, without requiring a WebSocket.
func (s *Server) handleRoomSnapshot(c *gin.Context) {
	id := c.Param("id")
	content, version, participants, found, err := s.manager.Lookup(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":       id,
		"content":      content,
		"version":      version,
		"participants": participants,
	})
}

type statsResponse struct {
	StartTime       int64 `json:"startTime"`
	LiveRoomCount   int   `json:"liveRoomCount"`
	StoredRoomCount int   `json:"storedRoomCount,omitempty"`
}

func (s *Server) handleStats(c *gin.Context) {
	resp := statsResponse{
		StartTime:     s.startTime.Unix(),
		LiveRoomCount: s.manager.Count(),
	}
	if s.store != nil {
		if count, err := s.store.RoomCount(c.Request.Context()); err == nil {
			resp.StoredRoomCount = count
		} else {
			logger.Error("httpapi: stats room count: %v", err)
		}
	}
	c.JSON(http.StatusOK, resp)
}
