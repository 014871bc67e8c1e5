package room

import (
	"testing"
	"time"

	"github.com/collabcore/collabd/internal/ot"
	"github.com/collabcore/collabd/internal/protocol"
)

func TestJoinThenSubmitOpBroadcastsToOthers(t *testing.T) {
	r := New("room1", 0, 0, 4)

	_, _, _, eventsA, preemptedA := r.Join("sessA", "alice", "u1")
	if preemptedA != "" {
		t.Fatalf("unexpected preemption: %s", preemptedA)
	}
	_, _, _, eventsB, _ := r.Join("sessB", "bob", "u2")

	// A observes B's join.
	select {
	case msg := <-eventsA:
		if _, ok := msg.(*protocol.ParticipantJoinedMsg); !ok {
			t.Fatalf("got %T, want *ParticipantJoinedMsg", msg)
		}
	default:
		t.Fatal("expected a join notification on A's channel")
	}

	op := ot.Operation{ID: "o1", Kind: ot.KindInsert, Position: 0, Payload: "hi", Version: 0}
	accepted, err := r.SubmitOp("sessA", "alice", op)
	if err != nil {
		t.Fatalf("SubmitOp: %v", err)
	}
	if accepted.Version != 0 {
		t.Fatalf("accepted.Version = %d, want 0", accepted.Version)
	}

	select {
	case msg := <-eventsB:
		bc, ok := msg.(*protocol.OTOpBroadcastMsg)
		if !ok {
			t.Fatalf("got %T, want *OTOpBroadcastMsg", msg)
		}
		if bc.SenderClientID != "alice" {
			t.Errorf("SenderClientID = %q, want alice", bc.SenderClientID)
		}
	default:
		t.Fatal("expected an op broadcast on B's channel")
	}

	select {
	case msg := <-eventsA:
		t.Fatalf("sender should not receive its own op broadcast, got %T", msg)
	default:
	}
}

// TestPreemptionClosesPriorSession is spec §8 S7: a clientId rejoining
// from a new session displaces any earlier session holding it.
func TestPreemptionClosesPriorSession(t *testing.T) {
	r := New("room1", 0, 0, 4)

	_, _, _, firstEvents, _ := r.Join("sess1", "alice", "u1")
	_, _, _, _, preempted := r.Join("sess2", "alice", "u1")

	if preempted != "sess1" {
		t.Fatalf("preempted = %q, want sess1", preempted)
	}
	if _, ok := <-firstEvents; ok {
		t.Fatal("expected first session's channel to be closed")
	}

	if err := r.UpdateCursor("sess1", "alice", &protocol.Cursor{Line: 1}, nil); err != ErrStaleSession {
		t.Fatalf("got %v, want ErrStaleSession", err)
	}
}

func TestLeaveRemovesParticipant(t *testing.T) {
	r := New("room1", 0, 0, 4)
	r.Join("sess1", "alice", "u1")
	if r.ParticipantCount() != 1 {
		t.Fatalf("ParticipantCount = %d, want 1", r.ParticipantCount())
	}
	r.Leave("sess1", "alice")
	if r.ParticipantCount() != 0 {
		t.Fatalf("ParticipantCount = %d, want 0", r.ParticipantCount())
	}
}

func TestSessionClosedReleasesOwnership(t *testing.T) {
	r := New("room1", 0, 0, 4)
	r.Join("sess1", "alice", "u1")
	r.SessionClosed("sess1")
	if r.ParticipantCount() != 0 {
		t.Fatalf("ParticipantCount = %d, want 0", r.ParticipantCount())
	}
	_, err := r.SubmitOp("sess1", "alice", ot.Operation{ID: "o", Kind: ot.KindInsert, Position: 0, Payload: "x", Version: 0})
	if err != ErrStaleSession {
		t.Fatalf("got %v, want ErrStaleSession", err)
	}
}

func TestRequestSyncFullWhenNoFromVersion(t *testing.T) {
	r := New("room1", 0, 0, 4)
	r.Join("sess1", "alice", "u1")
	r.SubmitOp("sess1", "alice", ot.Operation{ID: "o", Kind: ot.KindInsert, Position: 0, Payload: "hi", Version: 0})

	content, version, ops, full := r.RequestSync(nil)
	if !full || content != "hi" || version != 1 || ops != nil {
		t.Fatalf("got (%q, %d, %v, full=%v)", content, version, ops, full)
	}
}

func TestRequestSyncIncrementalWithinWindow(t *testing.T) {
	r := New("room1", 0, 0, 4)
	r.Join("sess1", "alice", "u1")
	r.SubmitOp("sess1", "alice", ot.Operation{ID: "o1", Kind: ot.KindInsert, Position: 0, Payload: "a", Version: 0})
	r.SubmitOp("sess1", "alice", ot.Operation{ID: "o2", Kind: ot.KindInsert, Position: 1, Payload: "b", Version: 1})

	_, _, ops, full := r.RequestSync(uint64Ptr(1))
	if full {
		t.Fatal("expected incremental sync")
	}
	if len(ops) != 1 || ops[0].Version != 1 {
		t.Fatalf("got %d ops, want 1 op at version 1", len(ops))
	}
}

func TestStateTransitions(t *testing.T) {
	r := New("room1", 0, 0, 4)
	if r.State(time.Hour) != StateEmpty {
		t.Fatalf("new room state = %v, want empty", r.State(time.Hour))
	}

	r.Join("sess1", "alice", "u1")
	if r.State(time.Hour) != StateActive {
		t.Fatalf("joined room state = %v, want active", r.State(time.Hour))
	}

	r.Leave("sess1", "alice")
	if r.State(0) != StateEmpty {
		t.Fatalf("left room state = %v, want empty with zero threshold", r.State(0))
	}
}

func uint64Ptr(v uint64) *uint64 { return &v }
