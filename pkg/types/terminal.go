package types

import "time"

// TerminalSession is a live terminal session.
type TerminalSession struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	StartedAt time.Time `json:"started_at"`
	State     string    `json:"state"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
}

// TerminalHistoryEntry is an audit record of a past or current session.
type TerminalHistoryEntry struct {
	ID         string     `json:"id"`
	Subject    string     `json:"subject"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	Cols       uint16     `json:"cols"`
	Rows       uint16     `json:"rows"`
	BytesIn    int64      `json:"bytes_in"`
	BytesOut   int64      `json:"bytes_out"`
}
