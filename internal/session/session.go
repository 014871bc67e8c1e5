// Package session drives one client WebSocket connection: it reads
// framed JSON messages, validates and rate-limits them, dispatches
// accepted messages to the room manager, and relays room events back
// to the client (spec §4.3, §4.4, §5). The read-loop-plus-forwarder
// shape and its send-under-mutex discipline are adapted from the
// teacher's Connection type; the dispatch and lifecycle rules are
// rebuilt around this project's protocol and room packages.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/collabcore/collabd/internal/otengine"
	"github.com/collabcore/collabd/internal/protocol"
	"github.com/collabcore/collabd/internal/ratelimit"
	"github.com/collabcore/collabd/internal/room"
	"github.com/collabcore/collabd/pkg/logger"
)

// Config bounds a session's timing and backpressure behavior
// (spec §4.4, §4.5, §6).
type Config struct {
	JoinDeadline      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	WriteTimeout      time.Duration
	RateLimits        map[ratelimit.Kind]ratelimit.Config
}

// DefaultConfig mirrors spec §6's connection-wide defaults.
func DefaultConfig() Config {
	return Config{
		JoinDeadline:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatMisses:   2,
		WriteTimeout:      30 * time.Second,
		RateLimits:        ratelimit.DefaultConfigs(),
	}
}

// Session owns one WebSocket connection's lifecycle from accept to
// close.
type Session struct {
	id      string
	conn    *websocket.Conn
	manager *room.Manager
	cfg     Config
	limiter *ratelimit.Limiter

	sendMu sync.Mutex

	mu         sync.Mutex
	roomID     string
	clientID   string
	events     <-chan any
	lastActive time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Session bound to an already-accepted WebSocket
// connection.
func New(conn *websocket.Conn, manager *room.Manager, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         uuid.NewString(),
		conn:       conn,
		manager:    manager,
		cfg:        cfg,
		limiter:    ratelimit.New(cfg.RateLimits),
		lastActive: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Serve runs the session until the connection closes, the parent
// context is cancelled, or a lifecycle rule (join deadline, heartbeat
// timeout, preemption) ends it early.
func (s *Session) Serve(parent context.Context) error {
	defer s.cleanup()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.awaitJoin(ctx); err != nil {
		s.sendError(protocol.ReasonValidationFailed, err.Error(), "", "")
		return err
	}

	forwarderDone := make(chan struct{})
	go s.forward(ctx, forwarderDone)

	heartbeatDone := make(chan struct{})
	go s.heartbeat(ctx, heartbeatDone)

	err := s.readLoop(ctx)

	cancel()
	<-forwarderDone
	<-heartbeatDone
	return err
}

// awaitJoin blocks until a JOIN_ROOM frame arrives or the join
// deadline elapses (spec §4.5).
func (s *Session) awaitJoin(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.JoinDeadline)
	defer cancel()

	data, err := s.readFrame(readCtx)
	if err != nil {
		return fmt.Errorf("join deadline: %w", err)
	}

	in, verr := protocol.ParseInbound(data)
	if verr != nil || in.Kind != protocol.KindJoinRoom {
		return errors.New("first message must be JOIN_ROOM")
	}

	return s.handleJoinRoom(ctx, in.JoinRoom)
}

func (s *Session) handleJoinRoom(ctx context.Context, msg *protocol.JoinRoomMsg) error {
	r, err := s.manager.GetOrCreate(ctx, msg.RoomID)
	if err != nil {
		return err
	}

	content, version, participants, events, preempted := r.Join(s.id, msg.ClientID, msg.UserID)
	if preempted != "" {
		logger.Info("session %s: preempted prior session %s in room %s for client %s", s.id, preempted, msg.RoomID, msg.ClientID)
	}

	s.mu.Lock()
	s.roomID = msg.RoomID
	s.clientID = msg.ClientID
	s.events = events
	s.mu.Unlock()

	return s.send(protocol.NewJoinRoomAck(msg.RoomID, content, version, participants))
}

// events is populated once by handleJoinRoom; it is read only by
// forward, which starts after awaitJoin returns, so no lock is needed
// for reads, but writers still take s.mu for consistency with the
// other session fields.
func (s *Session) roomEvents() <-chan any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		data, err := s.readFrame(ctx)
		if err != nil {
			return err
		}

		in, verr := protocol.ParseInbound(data)
		if verr != nil {
			s.sendError(protocol.ReasonValidationFailed, verr.Error(), "", "")
			continue
		}

		if !s.allowed(in) {
			s.sendError(protocol.ReasonRateLimited, "rate limit exceeded", operationID(in), "")
			continue
		}

		s.touch()
		if err := s.dispatch(in); err != nil {
			logger.Debug("session %s: dispatch %s: %v", s.id, in.Kind, err)
		}
	}
}

func operationID(in *protocol.Inbound) string {
	if in.OTOp != nil {
		return in.OTOp.Operation.ID
	}
	return ""
}

func (s *Session) allowed(in *protocol.Inbound) bool {
	switch in.Kind {
	case protocol.KindOTOp:
		return s.limiter.Allow(ratelimit.KindOp)
	case protocol.KindCursorUpdate:
		return s.limiter.Allow(ratelimit.KindCursor)
	default:
		return true
	}
}

func (s *Session) dispatch(in *protocol.Inbound) error {
	switch in.Kind {
	case protocol.KindLeaveRoom:
		return s.handleLeaveRoom(in.LeaveRoom)
	case protocol.KindOTOp:
		return s.handleOTOp(in.OTOp)
	case protocol.KindCursorUpdate:
		return s.handleCursorUpdate(in.CursorUpdate)
	case protocol.KindSyncState:
		return s.handleSyncState(in.SyncState)
	case protocol.KindPing:
		return s.send(protocol.NewPong(in.Ping.Timestamp))
	case protocol.KindJoinRoom:
		// A second JOIN_ROOM on an already-joined connection is
		// treated as a protocol error rather than silently ignored.
		s.sendError(protocol.ReasonValidationFailed, "already joined a room", "", "")
		return nil
	default:
		return nil
	}
}

func (s *Session) handleLeaveRoom(msg *protocol.LeaveRoomMsg) error {
	r, err := s.manager.GetOrCreate(s.ctx, msg.RoomID)
	if err != nil {
		return err
	}
	r.Leave(s.id, msg.ClientID)
	return nil
}

func (s *Session) handleOTOp(msg *protocol.OTOpMsg) error {
	r, err := s.manager.GetOrCreate(s.ctx, msg.RoomID)
	if err != nil {
		return err
	}

	accepted, err := r.SubmitOp(s.id, msg.ClientID, msg.Operation)
	if err != nil {
		return s.sendRejection(msg.Operation.ID, err)
	}
	return s.send(protocol.NewAck(msg.RoomID, accepted.ID, accepted.Version))
}

func (s *Session) sendRejection(operationID string, err error) error {
	var rejectErr *otengine.RejectError
	if errors.As(err, &rejectErr) {
		return s.sendError(string(rejectErr.Reason), rejectErr.Message, operationID, "")
	}
	if errors.Is(err, room.ErrStaleSession) {
		return s.sendError(protocol.ReasonPreempted, err.Error(), operationID, "")
	}
	return s.sendError(protocol.ReasonInternal, err.Error(), operationID, "")
}

func (s *Session) handleCursorUpdate(msg *protocol.CursorUpdateMsg) error {
	r, err := s.manager.GetOrCreate(s.ctx, msg.RoomID)
	if err != nil {
		return err
	}
	if err := r.UpdateCursor(s.id, msg.ClientID, msg.Cursor, msg.Selection); err != nil {
		if errors.Is(err, room.ErrStaleSession) {
			return s.sendError(protocol.ReasonPreempted, err.Error(), "", "")
		}
		return err
	}
	return nil
}

func (s *Session) handleSyncState(msg *protocol.SyncStateMsg) error {
	r, err := s.manager.GetOrCreate(s.ctx, msg.RoomID)
	if err != nil {
		return err
	}
	content, version, ops, full := r.RequestSync(msg.FromVersion)
	if full {
		return s.send(protocol.NewSyncStateSnapshot(msg.RoomID, content, version))
	}
	return s.send(protocol.NewSyncStateOps(msg.RoomID, ops, version))
}

// forward relays room broadcast events to the client until the room's
// channel closes (leave, preemption, or room eviction) or ctx ends.
func (s *Session) forward(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := s.roomEvents()
	if events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-events:
			if !ok {
				s.cancel()
				return
			}
			if err := s.send(msg); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// heartbeat closes the session if no client activity (including PING
// frames) has been observed for HeartbeatMisses consecutive intervals
// (spec §4.4).
func (s *Session) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	timeout := time.Duration(s.cfg.HeartbeatMisses) * s.cfg.HeartbeatInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(s.lastActivity()) > timeout {
				s.sendError(protocol.ReasonHeartbeatTimeout, "no client activity within heartbeat window", "", "")
				s.cancel()
				return
			}
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

func (s *Session) readFrame(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Session) send(msg any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Session) sendError(reason, message, operationID, correlationID string) error {
	return s.send(protocol.NewError(reason, message, operationID, correlationID))
}

func (s *Session) cleanup() {
	s.mu.Lock()
	roomID, clientID := s.roomID, s.clientID
	s.mu.Unlock()

	if roomID == "" {
		return
	}
	r, err := s.manager.GetOrCreate(context.Background(), roomID)
	if err != nil {
		logger.Error("session %s: cleanup lookup room %s: %v", s.id, roomID, err)
		return
	}
	if clientID != "" {
		r.SessionClosed(s.id)
	}
	s.cancel()
}
