// Package protocol defines the framed-JSON wire protocol between
// clients and the collab server: inbound message kinds, outbound
// message kinds, and the structural validator that sits between the
// session's read loop and the room manager (spec §4.3, §6).
package protocol

// Inbound message kinds (client -> server).
const (
	KindJoinRoom     = "JOIN_ROOM"
	KindLeaveRoom    = "LEAVE_ROOM"
	KindOTOp         = "OT_OP"
	KindCursorUpdate = "CURSOR_UPDATE"
	KindSyncState    = "SYNC_STATE"
	KindPing         = "PING"
)

// Outbound message kinds (server -> client).
const (
	KindJoinRoomAck           = "JOIN_ROOM_ACK"
	KindAck                   = "ACK"
	KindOTOpBroadcast         = "OT_OP_BROADCAST"
	KindCursorUpdateBroadcast = "CURSOR_UPDATE_BROADCAST"
	KindParticipantJoined     = "PARTICIPANT_JOINED"
	KindParticipantLeft       = "PARTICIPANT_LEFT"
	KindError                 = "ERROR"
	KindBackpressure          = "BACKPRESSURE"
	KindPong                  = "PONG"
)

// Error reasons carried on ERROR frames (spec §7).
const (
	ReasonValidationFailed       = "validation_failed"
	ReasonRateLimited            = "rate_limited"
	ReasonBackpressure           = "backpressure"
	ReasonOpRejectedVersionAhead = "op_rejected_version_ahead"
	ReasonOpRejectedVersionStale = "op_rejected_version_stale"
	ReasonOpRejectedPrecondition = "op_rejected_precondition"
	ReasonPreempted              = "preempted"
	ReasonHeartbeatTimeout       = "heartbeat_timeout"
	ReasonShutdown               = "shutdown"
	ReasonInternal               = "internal"
)

// MaxIdentifierLen bounds roomId/clientId/userId string fields (spec §4.3).
const MaxIdentifierLen = 100

// MaxOpPayloadLen bounds an OT_OP operation's payload (spec §4.3).
const MaxOpPayloadLen = 10000
