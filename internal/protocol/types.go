package protocol

import "time"

// Cursor is an advisory single-point cursor position; never part of the
// document itself (spec §3).
type Cursor struct {
	Line   uint32 `json:"line"`
	Column uint32 `json:"column"`
}

// Selection is an advisory range selection.
type Selection struct {
	StartLine   uint32 `json:"startLine"`
	StartColumn uint32 `json:"startColumn"`
	EndLine     uint32 `json:"endLine"`
	EndColumn   uint32 `json:"endColumn"`
}

// Participant is a connected room member (spec §3). Identity is ClientID;
// a clientId appears in at most one session/participant at a time.
type Participant struct {
	ClientID     string     `json:"clientId"`
	UserID       string     `json:"userId,omitempty"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LastActivity time.Time  `json:"lastActivity"`
	Cursor       *Cursor    `json:"cursor,omitempty"`
	Selection    *Selection `json:"selection,omitempty"`
}
