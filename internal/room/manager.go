package room

import (
	"context"
	"sync"
	"time"

	"github.com/collabcore/collabd/internal/otengine"
	"github.com/collabcore/collabd/internal/persistence"
	"github.com/collabcore/collabd/internal/protocol"
	"github.com/collabcore/collabd/pkg/logger"
)

// Manager is the process-wide room registry: lazy creation on first
// join, idle eviction after a period of inactivity, and reload from
// persistence on demand (spec §4.5).
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store *persistence.Store

	historyWindow       int
	maxDocumentSize     int
	broadcastBufferSize int
	idleThreshold       time.Duration

	durable              bool
	snapshotEveryOps     int
	snapshotEverySeconds time.Duration
}

// NewManager builds a Manager. store may be nil to run purely
// in-memory (spec §4.7's durability is configurable). durable sets
// spec §6's durableOpsBeforeAck; snapshotEveryOps/snapshotEverySeconds
// are spec §6's periodic-snapshot cadence (zero selects the spec's
// documented default for each).
func NewManager(store *persistence.Store, historyWindow, maxDocumentSize, broadcastBufferSize int, idleThreshold time.Duration, durable bool, snapshotEveryOps int, snapshotEverySeconds time.Duration) *Manager {
	return &Manager{
		rooms:                make(map[string]*Room),
		store:                store,
		historyWindow:        historyWindow,
		maxDocumentSize:      maxDocumentSize,
		broadcastBufferSize:  broadcastBufferSize,
		idleThreshold:        idleThreshold,
		durable:              durable,
		snapshotEveryOps:     snapshotEveryOps,
		snapshotEverySeconds: snapshotEverySeconds,
	}
}

// GetOrCreate returns the live room for id, loading it from
// persistence (if configured) or creating it empty on first access.
func (m *Manager) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[id]; ok {
		return r, nil
	}

	if m.store != nil {
		content, version, tail, found, err := m.store.LoadRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			r := Restore(id, content, version, tail, m.historyWindow, m.maxDocumentSize, m.broadcastBufferSize)
			r.ConfigurePersistence(m.store, m.durable, m.snapshotEveryOps, m.snapshotEverySeconds)
			m.rooms[id] = r
			return r, nil
		}
	}

	r := New(id, m.historyWindow, m.maxDocumentSize, m.broadcastBufferSize)
	if m.store != nil {
		// Write the empty initial snapshot synchronously so a durable
		// ack never outruns persistence: without this row, a crash
		// before the first cadence snapshot leaves LoadRoom unable to
		// find the room at all (no room_snapshots row), orphaning any
		// durably-appended ops in room_operations (spec §4.7).
		if err := m.store.SaveSnapshot(ctx, id, "", 0); err != nil {
			return nil, err
		}
	}
	r.ConfigurePersistence(m.store, m.durable, m.snapshotEveryOps, m.snapshotEverySeconds)
	m.rooms[id] = r
	return r, nil
}

// Lookup returns a room's content, version, and participant roster
// without creating it: a live in-memory room is read directly, and a
// room that only exists in persistence is read via LoadRoom and never
// registered in m.rooms. found is false if the room exists nowhere.
// Used by read-only diagnostics (spec §4.7's "read-only query") that
// must not instantiate a room as a side effect of a GET.
func (m *Manager) Lookup(ctx context.Context, id string) (content string, version uint64, participants []protocol.Participant, found bool, err error) {
	m.mu.Lock()
	r, ok := m.rooms[id]
	m.mu.Unlock()
	if ok {
		content, version = r.Snapshot()
		return content, version, r.Participants(), true, nil
	}

	if m.store == nil {
		return "", 0, nil, false, nil
	}
	storedContent, storedVersion, tail, storedFound, err := m.store.LoadRoom(ctx, id)
	if err != nil {
		return "", 0, nil, false, err
	}
	if !storedFound {
		return "", 0, nil, false, nil
	}
	e := otengine.Restore(storedContent, storedVersion, tail, m.historyWindow, m.maxDocumentSize)
	content, version = e.Snapshot()
	return content, version, nil, true, nil
}

// Count returns the number of rooms currently resident in memory.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// EvictIdle persists (if a store is configured) and drops every room
// that has been empty for at least the idle threshold, returning how
// many rooms were evicted.
func (m *Manager) EvictIdle(ctx context.Context) int {
	m.mu.Lock()
	candidates := make([]*Room, 0)
	for _, r := range m.rooms {
		if r.State(m.idleThreshold) == StateEmpty {
			candidates = append(candidates, r)
		}
	}
	m.mu.Unlock()

	evicted := 0
	for _, r := range candidates {
		if m.store != nil {
			content, version := r.Snapshot()
			if err := m.store.SaveSnapshot(ctx, r.ID, content, version); err != nil {
				logger.Error("room manager: persist %s before eviction: %v", r.ID, err)
				continue
			}
		}
		r.MarkEvicted()

		m.mu.Lock()
		delete(m.rooms, r.ID)
		m.mu.Unlock()
		evicted++
	}
	return evicted
}

// Shutdown sends every resident room a final ERROR(shutdown) frame,
// flushes a last snapshot for each, and drops them from the registry
// (spec §5: "graceful shutdown signals all rooms to flush snapshots,
// closes subscriber queues with a final ERROR(reason=shutdown)").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Shutdown()
	}
}

// Run ticks EvictIdle on interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.EvictIdle(ctx); n > 0 {
				logger.Info("room manager: evicted %d idle room(s)", n)
			}
		}
	}
}
