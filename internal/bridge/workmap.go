package bridge

import "github.com/google/uuid"

// WorkItem is the bookkeeping for one in-flight request: its owning
// connection, both ids, and the original command/parameters (spec.md §3).
type WorkItem struct {
	ClientID      uint32
	CorrelationID uint32
	ConnID        uuid.UUID
	Command       string
	Params        string
}

// correlation resolves a global sequence number back to the (connection,
// client id) pair that originated it.
type correlation struct {
	ConnID   uuid.UUID
	ClientID uint32
}
