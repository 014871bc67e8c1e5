// Package room implements the single-writer-per-room actor boundary
// (spec §4.2, §4.5): a Room owns one otengine.Engine plus its connected
// participants, and every mutation goes through Room's exclusive lock
// rather than a dedicated goroutine mailbox (the mutex-guarded-state
// pattern the teacher uses for the same purpose, adapted here to
// serialize OT integration instead of raw document state).
package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/collabcore/collabd/internal/ot"
	"github.com/collabcore/collabd/internal/otengine"
	"github.com/collabcore/collabd/internal/persistence"
	"github.com/collabcore/collabd/internal/protocol"
	"github.com/collabcore/collabd/pkg/logger"
)

// DefaultSnapshotEveryOps and DefaultSnapshotEverySeconds mirror spec
// §6's snapshotEveryOps/snapshotEverySeconds config defaults.
const (
	DefaultSnapshotEveryOps     = 500
	DefaultSnapshotEverySeconds = 60 * time.Second
)

// DefaultBackpressureGrace is the grace interval a session is allowed to
// sit with a full outbound queue before the room terminates it (spec
// §4.4, §5).
const DefaultBackpressureGrace = 30 * time.Second

// ErrStaleSession is returned when a session tries to act on behalf of
// a clientId that has since been preempted by a newer connection.
var ErrStaleSession = errors.New("room: session no longer owns this clientId")

// State is a room's position in its lifecycle (spec §4.5).
type State string

const (
	StateEmpty   State = "empty"
	StateActive  State = "active"
	StateIdle    State = "idle"
	StateEvicted State = "evicted"
)

// Room holds one document's live OT state and its connected
// participants. The zero value is not usable; construct with New or
// Restore.
type Room struct {
	ID string

	mu           sync.RWMutex
	engine       *otengine.Engine
	participants map[string]*protocol.Participant
	owners       map[string]string      // clientId -> owning sessionId
	subscribers  map[string]chan any     // sessionId -> outbound event channel
	lastActivity time.Time
	evicted      bool

	broadcastBufferSize int
	// backpressuredSince tracks, per sessionID, when its outbound channel
	// was first observed full; used to enforce the grace-period
	// termination in broadcastExcept (spec §4.4).
	backpressuredSince map[string]time.Time

	// Persistence wiring (spec §4.7). store may be nil, meaning the room
	// runs purely in-memory. durable gates whether AppendOp must
	// complete before SubmitOp acks the client, or may race it.
	store                *persistence.Store
	durable              bool
	snapshotEveryOps     int
	snapshotEverySeconds time.Duration
	opsSinceSnapshot     int
	lastSnapshotAt       time.Time
}

// ConfigurePersistence wires the room to a persistence store (or detaches
// it, if store is nil). Called by the room manager right after a room is
// created or restored; never called concurrently with room operations.
func (r *Room) ConfigurePersistence(store *persistence.Store, durable bool, snapshotEveryOps int, snapshotEverySeconds time.Duration) {
	if snapshotEveryOps <= 0 {
		snapshotEveryOps = DefaultSnapshotEveryOps
	}
	if snapshotEverySeconds <= 0 {
		snapshotEverySeconds = DefaultSnapshotEverySeconds
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	r.durable = durable
	r.snapshotEveryOps = snapshotEveryOps
	r.snapshotEverySeconds = snapshotEverySeconds
	r.lastSnapshotAt = time.Now()
}

// New creates an empty room.
func New(id string, historyWindow, maxDocumentSize, broadcastBufferSize int) *Room {
	return &Room{
		ID:                  id,
		engine:              otengine.New(historyWindow, maxDocumentSize),
		participants:        make(map[string]*protocol.Participant),
		owners:              make(map[string]string),
		subscribers:         make(map[string]chan any),
		backpressuredSince:  make(map[string]time.Time),
		lastActivity:        time.Now(),
		broadcastBufferSize: broadcastBufferSize,
	}
}

// Restore creates a room from a persisted snapshot plus tail.
func Restore(id, content string, version uint64, tail []ot.Operation, historyWindow, maxDocumentSize, broadcastBufferSize int) *Room {
	r := New(id, historyWindow, maxDocumentSize, broadcastBufferSize)
	r.engine = otengine.Restore(content, version, tail, historyWindow, maxDocumentSize)
	return r
}

// Snapshot returns the room's current document content and version,
// for persistence or for a JOIN_ROOM_ACK.
func (r *Room) Snapshot() (content string, version uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.engine.Snapshot()
}

// Join registers a session as the owner of clientId, returning the
// current document state, a live participant roster, and a channel of
// outbound events for the session to forward to its connection.
//
// If clientId is already owned by a different session, that session's
// channel is closed so its read loop can detect the preemption and
// terminate (spec §8 S7); the preempted session's id is returned.
func (r *Room) Join(sessionID, clientID, userID string) (content string, version uint64, participants []protocol.Participant, events <-chan any, preempted string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.owners[clientID]; ok && existing != sessionID {
		preempted = existing
		if ch, ok := r.subscribers[existing]; ok {
			close(ch)
			delete(r.subscribers, existing)
		}
	}

	ch := make(chan any, r.broadcastBufferSize)
	r.subscribers[sessionID] = ch
	r.owners[clientID] = sessionID

	now := time.Now()
	r.participants[clientID] = &protocol.Participant{
		ClientID:     clientID,
		UserID:       userID,
		JoinedAt:     now,
		LastActivity: now,
	}
	r.lastActivity = now

	r.broadcastLocked(sessionID, protocol.NewParticipantJoined(r.ID, clientID, userID))

	content, version = r.engine.Snapshot()
	participants = r.snapshotParticipantsLocked()
	events = ch
	return
}

// Leave unregisters clientId if sessionID still owns it. It is a no-op
// if the session has already been preempted.
func (r *Room) Leave(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[clientID] != sessionID {
		return
	}
	delete(r.owners, clientID)
	delete(r.participants, clientID)
	if ch, ok := r.subscribers[sessionID]; ok {
		close(ch)
		delete(r.subscribers, sessionID)
	}
	delete(r.backpressuredSince, sessionID)
	r.lastActivity = time.Now()
	r.broadcastLocked(sessionID, protocol.NewParticipantLeft(r.ID, clientID))
}

// SessionClosed drops a session's subscriber channel and, if it still
// owns a clientId, releases that ownership and announces the departure.
// Unlike Leave, it tolerates a session that was never joined.
func (r *Room) SessionClosed(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.subscribers[sessionID]; ok {
		close(ch)
		delete(r.subscribers, sessionID)
	}
	delete(r.backpressuredSince, sessionID)
	for clientID, owner := range r.owners {
		if owner == sessionID {
			delete(r.owners, clientID)
			delete(r.participants, clientID)
			r.broadcastLocked(sessionID, protocol.NewParticipantLeft(r.ID, clientID))
		}
	}
	r.lastActivity = time.Now()
}

// SubmitOp integrates a client operation into the room's document. The
// sender is not re-sent its own op as a broadcast; the caller is
// expected to ack it directly from the returned accepted operation.
//
// Persistence (spec §4.7) happens after the in-memory mutation and
// broadcast are released from the room's lock, so a slow disk/store
// never blocks the single writer from processing the next command
// (spec §5, suspension point 4). When the room is configured durable,
// AppendOp runs synchronously before SubmitOp returns, so a successful
// append completes before the caller's ACK; otherwise it is fired off
// in a goroutine. In both modes a failed append is only logged and the
// op stays accepted in memory: SubmitOp still returns it, so an ACK is
// sent even when a durable append failed.
func (r *Room) SubmitOp(sessionID, clientID string, op ot.Operation) (ot.Operation, error) {
	r.mu.Lock()

	if r.owners[clientID] != sessionID {
		r.mu.Unlock()
		return ot.Operation{}, ErrStaleSession
	}

	op.ClientID = clientID
	accepted, err := r.engine.Integrate(op)
	if err != nil {
		r.mu.Unlock()
		return ot.Operation{}, err
	}

	r.lastActivity = time.Now()
	if p, ok := r.participants[clientID]; ok {
		p.LastActivity = r.lastActivity
	}

	r.broadcastExcept(sessionID, protocol.NewOTOpBroadcast(r.ID, accepted, accepted.Version, clientID))

	store := r.store
	durable := r.durable
	dueSnapshot := false
	var snapshotContent string
	var snapshotVersion uint64
	if store != nil {
		r.opsSinceSnapshot++
		if r.opsSinceSnapshot >= r.snapshotEveryOps || time.Since(r.lastSnapshotAt) >= r.snapshotEverySeconds {
			dueSnapshot = true
			r.opsSinceSnapshot = 0
			r.lastSnapshotAt = time.Now()
			snapshotContent, snapshotVersion = r.engine.Snapshot()
		}
	}
	r.mu.Unlock()

	if store != nil {
		if durable {
			if perr := store.AppendOp(context.Background(), r.ID, accepted); perr != nil {
				logger.Warn("room %s: durable append op %s: %v", r.ID, accepted.ID, perr)
			}
		} else {
			go func() {
				if perr := store.AppendOp(context.Background(), r.ID, accepted); perr != nil {
					logger.Warn("room %s: async append op %s: %v", r.ID, accepted.ID, perr)
				}
			}()
		}
		if dueSnapshot {
			go func() {
				if perr := store.SaveSnapshot(context.Background(), r.ID, snapshotContent, snapshotVersion); perr != nil {
					logger.Warn("room %s: periodic snapshot at v%d: %v", r.ID, snapshotVersion, perr)
				}
			}()
		}
	}

	return accepted, nil
}

// UpdateCursor records a participant's advisory cursor/selection and
// broadcasts it to every other subscriber in the room.
func (r *Room) UpdateCursor(sessionID, clientID string, cursor *protocol.Cursor, selection *protocol.Selection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[clientID] != sessionID {
		return ErrStaleSession
	}
	p, ok := r.participants[clientID]
	if !ok {
		return ErrStaleSession
	}
	p.Cursor = cursor
	p.Selection = selection
	p.LastActivity = time.Now()
	r.lastActivity = p.LastActivity

	r.broadcastExcept(sessionID, protocol.NewCursorUpdateBroadcast(r.ID, clientID, cursor, selection))
	return nil
}

// RequestSync answers a resync request: a full snapshot when fromVersion
// is nil or falls outside the retained history window, otherwise the
// operation tail since that version (spec §4.5, §8 S4/S5).
func (r *Room) RequestSync(fromVersion *uint64) (content string, version uint64, ops []ot.Operation, full bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	content, version = r.engine.Snapshot()
	if fromVersion == nil {
		return content, version, nil, true
	}
	tail, err := r.engine.HistorySince(*fromVersion)
	if err != nil {
		return content, version, nil, true
	}
	return content, version, tail, false
}

// Participants returns a snapshot of the current roster.
func (r *Room) Participants() []protocol.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotParticipantsLocked()
}

// ParticipantCount returns the number of joined participants.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IdleSince reports how long the room has gone without a join, leave,
// op, or cursor update.
func (r *Room) IdleSince() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.lastActivity)
}

// State reports where in the lifecycle the room currently sits
// (spec §4.5). idleThreshold governs the active/idle boundary.
func (r *Room) State(idleThreshold time.Duration) State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.evicted {
		return StateEvicted
	}
	if len(r.participants) == 0 {
		if time.Since(r.lastActivity) >= idleThreshold {
			return StateEmpty
		}
		return StateIdle
	}
	if time.Since(r.lastActivity) >= idleThreshold {
		return StateIdle
	}
	return StateActive
}

// MarkEvicted closes all remaining subscriber channels and flags the
// room as evicted; the manager calls this only after persisting a
// final snapshot.
func (r *Room) MarkEvicted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		close(ch)
		delete(r.subscribers, id)
	}
	r.evicted = true
}

// Shutdown delivers a final ERROR(shutdown) frame to every subscriber,
// closes their channels, persists a final snapshot if a store is
// configured, and marks the room evicted (spec §5 graceful shutdown).
func (r *Room) Shutdown() {
	r.mu.Lock()
	msg := protocol.NewError(protocol.ReasonShutdown, "server is shutting down", "", "")
	for id, ch := range r.subscribers {
		select {
		case ch <- msg:
		default:
		}
		close(ch)
		delete(r.subscribers, id)
	}
	r.evicted = true
	store := r.store
	content, version := r.engine.Snapshot()
	r.mu.Unlock()

	if store != nil {
		if err := store.SaveSnapshot(context.Background(), r.ID, content, version); err != nil {
			logger.Warn("room %s: snapshot during shutdown: %v", r.ID, err)
		}
	}
}

func (r *Room) snapshotParticipantsLocked() []protocol.Participant {
	out := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, *p)
	}
	return out
}

// broadcastLocked fans a message out to every subscriber except
// exceptSessionID. Caller must hold r.mu.
func (r *Room) broadcastLocked(exceptSessionID string, msg any) {
	for id, ch := range r.subscribers {
		if id == exceptSessionID {
			continue
		}
		select {
		case ch <- msg:
		default:
			// A full channel just means this particular notice is
			// dropped for a lagging session; it does not start or
			// advance the backpressure grace tracked by
			// broadcastExcept.
		}
	}
}

// broadcastExcept fans a message out to every subscriber except
// exceptSessionID. Caller must hold r.mu.
//
// A full channel sheds load rather than blocking the room's single
// writer (spec §4.4): cursor broadcasts are dropped outright, but an
// op broadcast first tries to evict one buffered message to make room,
// since losing a cursor update is harmless while losing an op
// broadcast forces the recipient into a resync. A session whose channel
// stays full across DefaultBackpressureGrace is terminated.
func (r *Room) broadcastExcept(exceptSessionID string, msg any) {
	_, isCursor := msg.(*protocol.CursorUpdateBroadcastMsg)
	for id, ch := range r.subscribers {
		if id == exceptSessionID {
			continue
		}
		select {
		case ch <- msg:
			delete(r.backpressuredSince, id)
			continue
		default:
		}

		if isCursor {
			r.markBackpressuredLocked(id, ch)
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- msg:
			delete(r.backpressuredSince, id)
			continue
		default:
		}
		r.markBackpressuredLocked(id, ch)
	}
}

// markBackpressuredLocked records the first moment sessionID's channel
// was observed full, delivers a BACKPRESSURE notice the first time, and
// terminates the session once it has stayed full past the grace period
// (spec §4.4). Caller must hold r.mu.
func (r *Room) markBackpressuredLocked(sessionID string, ch chan any) {
	since, ok := r.backpressuredSince[sessionID]
	if !ok {
		r.backpressuredSince[sessionID] = time.Now()
		select {
		case ch <- protocol.NewBackpressure(r.ID):
		default:
		}
		return
	}
	if time.Since(since) < DefaultBackpressureGrace {
		return
	}

	select {
	case ch <- protocol.NewError(protocol.ReasonBackpressure, "outbound queue overflow exceeded grace period", "", ""):
	default:
	}
	close(ch)
	delete(r.subscribers, sessionID)
	delete(r.backpressuredSince, sessionID)
	for clientID, owner := range r.owners {
		if owner == sessionID {
			delete(r.owners, clientID)
			delete(r.participants, clientID)
		}
	}
}
