// Package otengine holds the per-room operational-transformation state:
// current document content, version, and a bounded history of accepted
// operations used to transform late-arriving client edits and to answer
// incremental resync requests.
//
// Engine performs no internal locking. Spec §4.2 and §5 make the room
// the single-writer boundary; Engine assumes its caller (internal/room,
// which serializes access under its own exclusive lock) never calls it
// concurrently.
package otengine

import (
	"errors"
	"fmt"

	"github.com/collabcore/collabd/internal/ot"
)

// RejectReason identifies why Integrate refused a client operation,
// mapping directly onto the ERROR frame reasons in spec §7.
type RejectReason string

const (
	ReasonVersionAhead RejectReason = "op_rejected_version_ahead"
	ReasonVersionStale RejectReason = "op_rejected_version_stale"
	ReasonPrecondition RejectReason = "op_rejected_precondition"
)

// RejectError is returned by Integrate when an operation cannot be
// accepted. The caller (room) maps Reason onto an ERROR frame.
type RejectError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectError) Error() string { return e.Message }

// ErrNeedsResync is returned by HistorySince when the requested version
// has already been compacted out of the retained window; the caller
// must fall back to a full snapshot instead (spec §4.2).
var ErrNeedsResync = errors.New("otengine: requested version precedes retained history, use snapshot")

// DefaultHistoryWindow is the default ring-buffer depth (spec §4.2,
// config key historyWindow).
const DefaultHistoryWindow = 1024

// DefaultMaxDocumentSize bounds the document's rune length as a safety
// net; spec.md does not name this limit explicitly but the validator's
// 10,000-byte-per-op cap implies the document itself must stay bounded
// to keep transform passes cheap.
const DefaultMaxDocumentSize = 10 * 1024 * 1024

// Engine holds one room's authoritative document state.
type Engine struct {
	content string
	version uint64

	// history holds the last len(history) accepted operations. historyBase
	// is the version of history[0] (i.e. the oldest retained op was
	// accepted when the room was at version historyBase).
	history     []ot.Operation
	historyBase uint64

	historyWindow   int
	maxDocumentSize int
}

// New creates an empty engine (a brand-new room).
func New(historyWindow, maxDocumentSize int) *Engine {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	if maxDocumentSize <= 0 {
		maxDocumentSize = DefaultMaxDocumentSize
	}
	return &Engine{
		historyWindow:   historyWindow,
		maxDocumentSize: maxDocumentSize,
	}
}

// Restore rehydrates an engine from a persisted snapshot plus whatever
// tail of accepted operations the persistence layer retained alongside
// it (spec §4.7). The store keeps the snapshot at the version it was
// taken and retains ops with version >= that snapshot version (it only
// trims ops strictly older than the snapshot), so content does not yet
// reflect tail: Restore must replay each tail op, in order, over the
// snapshot content to reach the true current state.
func Restore(content string, version uint64, tail []ot.Operation, historyWindow, maxDocumentSize int) *Engine {
	e := New(historyWindow, maxDocumentSize)
	e.content = content
	e.version = version
	e.historyBase = version

	for _, op := range tail {
		newContent, err := ot.Apply(e.content, op)
		if err != nil {
			// A persisted op that no longer applies cleanly indicates
			// corrupted history; stop replaying and keep the state
			// reached so far rather than risk compounding the error
			// onto a wrong document.
			break
		}
		e.content = newContent
		e.version++
		e.appendHistory(op)
	}
	return e
}

// Snapshot returns a consistent read of the document.
func (e *Engine) Snapshot() (content string, version uint64) {
	return e.content, e.version
}

// Version returns the current room version.
func (e *Engine) Version() uint64 {
	return e.version
}

// Integrate transforms a client-submitted operation against every
// accepted operation since the client's logical version, applies it,
// and — on success — assigns it the room's current version before
// incrementing. See spec §9 "version semantics": the accepted op's
// Version equals the room version at the moment of acceptance.
func (e *Engine) Integrate(op ot.Operation) (ot.Operation, error) {
	clientVersion := op.Version

	if clientVersion > e.version {
		return ot.Operation{}, &RejectError{
			Reason:  ReasonVersionAhead,
			Message: fmt.Sprintf("client version %d is ahead of room version %d", clientVersion, e.version),
		}
	}
	if clientVersion < e.historyBase {
		return ot.Operation{}, &RejectError{
			Reason:  ReasonVersionStale,
			Message: fmt.Sprintf("client version %d predates retained history (oldest retained %d)", clientVersion, e.historyBase),
		}
	}

	transformed := op
	for _, histOp := range e.historySince(clientVersion) {
		t, err := ot.Transform(transformed, histOp)
		if err != nil {
			return ot.Operation{}, &RejectError{Reason: ReasonPrecondition, Message: err.Error()}
		}
		transformed = t
	}

	newContent, err := ot.Apply(e.content, transformed)
	if err != nil {
		return ot.Operation{}, &RejectError{Reason: ReasonPrecondition, Message: err.Error()}
	}
	if len([]rune(newContent)) > e.maxDocumentSize {
		return ot.Operation{}, &RejectError{
			Reason:  ReasonPrecondition,
			Message: fmt.Sprintf("resulting document would exceed %d characters", e.maxDocumentSize),
		}
	}

	transformed.Version = e.version
	e.content = newContent
	e.version++
	e.appendHistory(transformed)

	return transformed, nil
}

// historySince returns the retained operations with version in
// [from, e.version). Caller must have already validated from >=
// e.historyBase.
func (e *Engine) historySince(from uint64) []ot.Operation {
	if from < e.historyBase {
		from = e.historyBase
	}
	offset := from - e.historyBase
	if offset >= uint64(len(e.history)) {
		return nil
	}
	return e.history[offset:]
}

// HistorySince returns the accepted operations from version v onward,
// or ErrNeedsResync if v has already been compacted out of the window
// (spec §4.2, SYNC_STATE handling in §4.5).
func (e *Engine) HistorySince(v uint64) ([]ot.Operation, error) {
	if v > e.version {
		return nil, fmt.Errorf("otengine: version %d is ahead of current version %d", v, e.version)
	}
	if v < e.historyBase {
		return nil, ErrNeedsResync
	}
	ops := e.historySince(v)
	out := make([]ot.Operation, len(ops))
	copy(out, ops)
	return out, nil
}

func (e *Engine) appendHistory(op ot.Operation) {
	e.history = append(e.history, op)
	if len(e.history) > e.historyWindow {
		drop := len(e.history) - e.historyWindow
		e.history = append([]ot.Operation(nil), e.history[drop:]...)
		e.historyBase += uint64(drop)
	}
}
