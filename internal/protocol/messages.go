package protocol

import "github.com/collabcore/collabd/internal/ot"

// Inbound message payloads (spec §4.3). Each mirrors the required
// fields of its row in the validator table exactly; Validate fills in
// the structural checks (string length bounds, numeric ranges).

// JoinRoomMsg requests to join (and implicitly create) a room.
type JoinRoomMsg struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
}

// LeaveRoomMsg requests to leave a room.
type LeaveRoomMsg struct {
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

// OTOpMsg submits a client edit for integration.
type OTOpMsg struct {
	RoomID    string       `json:"roomId"`
	ClientID  string       `json:"clientId"`
	Operation ot.Operation `json:"operation"`
}

// CursorUpdateMsg reports a client's advisory cursor/selection state.
type CursorUpdateMsg struct {
	RoomID    string     `json:"roomId"`
	ClientID  string     `json:"clientId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

// SyncStateMsg requests incremental (or full) resync from a version.
type SyncStateMsg struct {
	RoomID      string  `json:"roomId"`
	ClientID    string  `json:"clientId"`
	FromVersion *uint64 `json:"fromVersion,omitempty"`
}

// PingMsg carries an opaque client timestamp echoed back in PONG.
type PingMsg struct {
	Timestamp any `json:"timestamp,omitempty"`
}

// Inbound is the parsed, validated form of a client frame: a tagged
// union dispatched on Kind, with exhaustive case analysis expected of
// every caller (spec §9 "dynamic dispatch on message kind"). Exactly
// one of the payload fields is populated, matching Kind.
type Inbound struct {
	Kind string

	JoinRoom     *JoinRoomMsg
	LeaveRoom    *LeaveRoomMsg
	OTOp         *OTOpMsg
	CursorUpdate *CursorUpdateMsg
	SyncState    *SyncStateMsg
	Ping         *PingMsg
}

// Outbound message payloads (spec §4.3, §6). Each carries its own Type
// field so the wire form always names the frame kind, and each is
// built through a constructor below rather than assembled ad hoc.

type JoinRoomAckMsg struct {
	Type         string        `json:"type"`
	RoomID       string        `json:"roomId"`
	Content      string        `json:"content"`
	Version      uint64        `json:"version"`
	Participants []Participant `json:"participants"`
}

type AckMsg struct {
	Type        string `json:"type"`
	RoomID      string `json:"roomId"`
	OperationID string `json:"operationId"`
	Version     uint64 `json:"version"`
}

type OTOpBroadcastMsg struct {
	Type           string       `json:"type"`
	RoomID         string       `json:"roomId"`
	Operation      ot.Operation `json:"operation"`
	Version        uint64       `json:"version"`
	SenderClientID string       `json:"senderClientId"`
}

type CursorUpdateBroadcastMsg struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"roomId"`
	ClientID  string     `json:"clientId"`
	Cursor    *Cursor    `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
}

type ParticipantJoinedMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
}

type ParticipantLeftMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	ClientID string `json:"clientId"`
}

type ErrorMsg struct {
	Type          string `json:"type"`
	Reason        string `json:"reason"`
	Message       string `json:"message"`
	OperationID   string `json:"operationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type BackpressureMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId,omitempty"`
}

type PongMsg struct {
	Type      string `json:"type"`
	Timestamp any    `json:"timestamp,omitempty"`
}

// SyncStateResultMsg answers a SYNC_STATE request with either an
// operation tail (Ops non-nil) or a full snapshot (Ops nil, Content
// set) per spec §4.5.
type SyncStateResultMsg struct {
	Type    string         `json:"type"`
	RoomID  string         `json:"roomId"`
	Content *string        `json:"content,omitempty"`
	Ops     []ot.Operation `json:"ops,omitempty"`
	Version uint64         `json:"version"`
}

func NewJoinRoomAck(roomID, content string, version uint64, participants []Participant) *JoinRoomAckMsg {
	return &JoinRoomAckMsg{Type: KindJoinRoomAck, RoomID: roomID, Content: content, Version: version, Participants: participants}
}

func NewAck(roomID, operationID string, version uint64) *AckMsg {
	return &AckMsg{Type: KindAck, RoomID: roomID, OperationID: operationID, Version: version}
}

func NewOTOpBroadcast(roomID string, op ot.Operation, version uint64, senderClientID string) *OTOpBroadcastMsg {
	return &OTOpBroadcastMsg{Type: KindOTOpBroadcast, RoomID: roomID, Operation: op, Version: version, SenderClientID: senderClientID}
}

func NewCursorUpdateBroadcast(roomID, clientID string, cursor *Cursor, selection *Selection) *CursorUpdateBroadcastMsg {
	return &CursorUpdateBroadcastMsg{Type: KindCursorUpdateBroadcast, RoomID: roomID, ClientID: clientID, Cursor: cursor, Selection: selection}
}

func NewParticipantJoined(roomID, clientID, userID string) *ParticipantJoinedMsg {
	return &ParticipantJoinedMsg{Type: KindParticipantJoined, RoomID: roomID, ClientID: clientID, UserID: userID}
}

func NewParticipantLeft(roomID, clientID string) *ParticipantLeftMsg {
	return &ParticipantLeftMsg{Type: KindParticipantLeft, RoomID: roomID, ClientID: clientID}
}

func NewError(reason, message, operationID, correlationID string) *ErrorMsg {
	return &ErrorMsg{Type: KindError, Reason: reason, Message: message, OperationID: operationID, CorrelationID: correlationID}
}

func NewBackpressure(roomID string) *BackpressureMsg {
	return &BackpressureMsg{Type: KindBackpressure, RoomID: roomID}
}

func NewPong(timestamp any) *PongMsg {
	return &PongMsg{Type: KindPong, Timestamp: timestamp}
}

func NewSyncStateSnapshot(roomID, content string, version uint64) *SyncStateResultMsg {
	return &SyncStateResultMsg{Type: "SYNC_STATE_RESULT", RoomID: roomID, Content: &content, Version: version}
}

func NewSyncStateOps(roomID string, ops []ot.Operation, version uint64) *SyncStateResultMsg {
	return &SyncStateResultMsg{Type: "SYNC_STATE_RESULT", RoomID: roomID, Ops: ops, Version: version}
}
