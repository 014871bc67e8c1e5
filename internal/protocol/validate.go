package protocol

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/collabcore/collabd/internal/ot"
)

// ValidationError names the offending field of a malformed or
// out-of-bounds frame (spec §4.3). Once a session has joined a room, a
// single invalid frame does not close the connection; the session drops
// it and sends back an ERROR frame built from this value. A first frame
// that is not a valid JOIN_ROOM ends the session instead.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func fieldErr(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

type envelope struct {
	Type string `json:"type"`
}

// ParseInbound decodes and structurally validates a single client
// frame. It never panics on malformed input (spec §8 TP5, validator
// totality): any failure surfaces as a *ValidationError naming the
// offending field, never an uncaught error.
func ParseInbound(data []byte) (*Inbound, *ValidationError) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fieldErr("type", "frame is not a JSON object with a string \"type\" field")
	}

	switch env.Type {
	case KindJoinRoom:
		return parseJoinRoom(data)
	case KindLeaveRoom:
		return parseLeaveRoom(data)
	case KindOTOp:
		return parseOTOp(data)
	case KindCursorUpdate:
		return parseCursorUpdate(data)
	case KindSyncState:
		return parseSyncState(data)
	case KindPing:
		return parsePing(data)
	case "":
		return nil, fieldErr("type", "missing message type")
	default:
		return nil, fieldErr("type", fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func validIdentifier(field, value string) *ValidationError {
	if n := utf8.RuneCountInString(value); n < 1 || n > MaxIdentifierLen {
		return fieldErr(field, fmt.Sprintf("must be 1..%d characters", MaxIdentifierLen))
	}
	return nil
}

func parseJoinRoom(data []byte) (*Inbound, *ValidationError) {
	var m JoinRoomMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("JOIN_ROOM", err.Error())
	}
	if verr := validIdentifier("roomId", m.RoomID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("clientId", m.ClientID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("userId", m.UserID); verr != nil {
		return nil, verr
	}
	return &Inbound{Kind: KindJoinRoom, JoinRoom: &m}, nil
}

func parseLeaveRoom(data []byte) (*Inbound, *ValidationError) {
	var m LeaveRoomMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("LEAVE_ROOM", err.Error())
	}
	if verr := validIdentifier("roomId", m.RoomID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("clientId", m.ClientID); verr != nil {
		return nil, verr
	}
	return &Inbound{Kind: KindLeaveRoom, LeaveRoom: &m}, nil
}

func parseOTOp(data []byte) (*Inbound, *ValidationError) {
	var m OTOpMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("operation", err.Error())
	}
	if verr := validIdentifier("roomId", m.RoomID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("clientId", m.ClientID); verr != nil {
		return nil, verr
	}
	if m.Operation.ID == "" {
		return nil, fieldErr("operation.id", "must not be empty")
	}
	if m.Operation.Kind != ot.KindInsert && m.Operation.Kind != ot.KindDelete {
		return nil, fieldErr("operation.kind", fmt.Sprintf("must be %q or %q", ot.KindInsert, ot.KindDelete))
	}
	if len(m.Operation.Payload) > MaxOpPayloadLen {
		return nil, fieldErr("operation.payload", fmt.Sprintf("must be at most %d bytes", MaxOpPayloadLen))
	}
	if m.Operation.Kind == ot.KindInsert && m.Operation.Payload == "" {
		return nil, fieldErr("operation.payload", "insert payload must not be empty")
	}
	return &Inbound{Kind: KindOTOp, OTOp: &m}, nil
}

func parseCursorUpdate(data []byte) (*Inbound, *ValidationError) {
	var m CursorUpdateMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("CURSOR_UPDATE", err.Error())
	}
	if verr := validIdentifier("roomId", m.RoomID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("clientId", m.ClientID); verr != nil {
		return nil, verr
	}
	if m.Cursor == nil && m.Selection == nil {
		return nil, fieldErr("cursor", "either cursor or selection is required")
	}
	return &Inbound{Kind: KindCursorUpdate, CursorUpdate: &m}, nil
}

func parseSyncState(data []byte) (*Inbound, *ValidationError) {
	var m SyncStateMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("SYNC_STATE", err.Error())
	}
	if verr := validIdentifier("roomId", m.RoomID); verr != nil {
		return nil, verr
	}
	if verr := validIdentifier("clientId", m.ClientID); verr != nil {
		return nil, verr
	}
	return &Inbound{Kind: KindSyncState, SyncState: &m}, nil
}

func parsePing(data []byte) (*Inbound, *ValidationError) {
	var m PingMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fieldErr("PING", err.Error())
	}
	return &Inbound{Kind: KindPing, Ping: &m}, nil
}
