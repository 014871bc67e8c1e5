package otengine

import (
	"errors"
	"testing"

	"github.com/collabcore/collabd/internal/ot"
)

// TestS1SingleClientInsert is scenario S1 from spec §8.
func TestS1SingleClientInsert(t *testing.T) {
	e := New(0, 0)

	accepted, err := e.Integrate(ot.Operation{ID: "o1", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "Hello", Version: 0})
	if err != nil {
		t.Fatalf("Integrate: %v", err)
	}
	if accepted.Version != 0 {
		t.Errorf("accepted version = %d, want 0", accepted.Version)
	}

	content, version := e.Snapshot()
	if content != "Hello" || version != 1 {
		t.Errorf("snapshot = (%q, %d), want (\"Hello\", 1)", content, version)
	}
}

// TestS2ConcurrentInsertsTieBreak is scenario S2 from spec §8.
func TestS2ConcurrentInsertsTieBreak(t *testing.T) {
	e := New(0, 0)

	_, err := e.Integrate(ot.Operation{ID: "a1", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "X", Version: 0})
	if err != nil {
		t.Fatalf("Integrate A: %v", err)
	}

	accepted, err := e.Integrate(ot.Operation{ID: "b1", ClientID: "B", Kind: ot.KindInsert, Position: 0, Payload: "Y", Version: 0})
	if err != nil {
		t.Fatalf("Integrate B: %v", err)
	}
	if accepted.Version != 1 {
		t.Errorf("B's accepted version = %d, want 1", accepted.Version)
	}

	content, version := e.Snapshot()
	if content != "XY" || version != 2 {
		t.Fatalf("snapshot = (%q, %d), want (\"XY\", 2)", content, version)
	}
}

// TestS3InsertThenDeleteOverlap is scenario S3 from spec §8.
func TestS3InsertThenDeleteOverlap(t *testing.T) {
	e := New(0, 0)
	_, err := e.Integrate(ot.Operation{ID: "seed", ClientID: "sys", Kind: ot.KindInsert, Position: 0, Payload: "hello", Version: 0})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Client A, still believing v1, inserts " world" at position 5.
	_, err = e.Integrate(ot.Operation{ID: "a1", ClientID: "A", Kind: ot.KindInsert, Position: 5, Payload: " world", Version: 1})
	if err != nil {
		t.Fatalf("Integrate A: %v", err)
	}
	content, version := e.Snapshot()
	if content != "hello world" || version != 2 {
		t.Fatalf("after A: snapshot = (%q, %d), want (\"hello world\", 2)", content, version)
	}

	// Client B, still at v1 (before A's edit), deletes "ll" at position 2.
	_, err = e.Integrate(ot.Operation{ID: "b1", ClientID: "B", Kind: ot.KindDelete, Position: 2, Payload: "ll", Version: 1})
	if err != nil {
		t.Fatalf("Integrate B: %v", err)
	}
	content, version = e.Snapshot()
	if content != "heo world" || version != 3 {
		t.Fatalf("after B: snapshot = (%q, %d), want (\"heo world\", 3)", content, version)
	}
}

// TestS4LateJoinHistory is scenario S4 from spec §8.
func TestS4LateJoinHistory(t *testing.T) {
	e := New(0, 0)
	for i, payload := range []string{"a", "b", "c"} {
		_, err := e.Integrate(ot.Operation{ID: payload, ClientID: "A", Kind: ot.KindInsert, Position: uint64(i), Payload: payload, Version: uint64(i)})
		if err != nil {
			t.Fatalf("Integrate %d: %v", i, err)
		}
	}
	content, version := e.Snapshot()
	if content != "abc" || version != 3 {
		t.Fatalf("snapshot = (%q, %d), want (\"abc\", 3)", content, version)
	}
}

// TestS5SyncStateWithinWindow is scenario S5 from spec §8.
func TestS5SyncStateWithinWindow(t *testing.T) {
	e := New(0, 0)
	for i, payload := range []string{"a", "b", "c", "d", "e"} {
		_, err := e.Integrate(ot.Operation{ID: payload, ClientID: "A", Kind: ot.KindInsert, Position: uint64(i), Payload: payload, Version: uint64(i)})
		if err != nil {
			t.Fatalf("Integrate %d: %v", i, err)
		}
	}

	ops, err := e.HistorySince(3)
	if err != nil {
		t.Fatalf("HistorySince: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %d ops, want 2", len(ops))
	}
	if ops[0].Version != 3 || ops[1].Version != 4 {
		t.Errorf("got versions %d,%d want 3,4", ops[0].Version, ops[1].Version)
	}
}

func TestIntegrateRejectsVersionAhead(t *testing.T) {
	e := New(0, 0)
	_, err := e.Integrate(ot.Operation{ID: "x", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "x", Version: 5})

	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) || rejectErr.Reason != ReasonVersionAhead {
		t.Fatalf("got %v, want RejectError{ReasonVersionAhead}", err)
	}
}

func TestIntegrateRejectsPrecondition(t *testing.T) {
	e := New(0, 0)
	_, err := e.Integrate(ot.Operation{ID: "seed", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "hello", Version: 0})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = e.Integrate(ot.Operation{ID: "bad", ClientID: "B", Kind: ot.KindDelete, Position: 0, Payload: "xxxxx", Version: 1})
	var rejectErr *RejectError
	if !errors.As(err, &rejectErr) || rejectErr.Reason != ReasonPrecondition {
		t.Fatalf("got %v, want RejectError{ReasonPrecondition}", err)
	}
}

func TestMonotonicVersions(t *testing.T) {
	e := New(0, 0)
	for i := 0; i < 10; i++ {
		accepted, err := e.Integrate(ot.Operation{ID: "x", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "x", Version: uint64(i)})
		if err != nil {
			t.Fatalf("Integrate %d: %v", i, err)
		}
		if accepted.Version != uint64(i) {
			t.Fatalf("accepted.Version = %d, want %d", accepted.Version, i)
		}
	}
}

func TestHistorySinceCompactedReturnsResyncMarker(t *testing.T) {
	e := New(2, 0) // tiny window so history compacts quickly
	for i := 0; i < 5; i++ {
		_, err := e.Integrate(ot.Operation{ID: "x", ClientID: "A", Kind: ot.KindInsert, Position: 0, Payload: "x", Version: uint64(i)})
		if err != nil {
			t.Fatalf("Integrate %d: %v", i, err)
		}
	}

	_, err := e.HistorySince(0)
	if !errors.Is(err, ErrNeedsResync) {
		t.Fatalf("got %v, want ErrNeedsResync", err)
	}
}

// TestSnapshotRoundTrip is TP4 from spec §8: restoring from a snapshot
// plus tail must reproduce identical state. The persistence store only
// ever hands Restore a snapshot taken at some earlier version V plus
// the ops accepted at or after V (it trims ops strictly older than the
// snapshot, not the snapshot's own version onward) — so the snapshot
// content does NOT yet reflect the tail; Restore must replay it.
func TestSnapshotRoundTrip(t *testing.T) {
	e := New(0, 0)
	var allOps []ot.Operation
	var snapshotContent string
	var snapshotVersion uint64
	for i, payload := range []string{"a", "b", "c"} {
		accepted, err := e.Integrate(ot.Operation{ID: payload, ClientID: "A", Kind: ot.KindInsert, Position: uint64(i), Payload: payload, Version: uint64(i)})
		if err != nil {
			t.Fatalf("Integrate %d: %v", i, err)
		}
		allOps = append(allOps, accepted)
		if i == 0 {
			// Simulate a snapshot taken right after the first op, before
			// the later ops are folded in.
			snapshotContent, snapshotVersion = e.Snapshot()
		}
	}

	// The store's tail is every op with version >= the snapshot version,
	// i.e. only the ops not yet reflected in snapshotContent.
	var tail []ot.Operation
	for _, op := range allOps {
		if op.Version >= snapshotVersion {
			tail = append(tail, op)
		}
	}

	content, version := e.Snapshot()
	restored := Restore(snapshotContent, snapshotVersion, tail, 0, 0)
	rContent, rVersion := restored.Snapshot()
	if rContent != content || rVersion != version {
		t.Fatalf("restored = (%q, %d), want (%q, %d)", rContent, rVersion, content, version)
	}
}
