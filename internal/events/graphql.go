package events

import "time"

// LimitsChecked is emitted for every operation that passed the limits check.
// Depth and Nodes are -1 when the corresponding limit is disabled.
type LimitsChecked struct {
	OperationName string
	OperationType string
	Depth         int
	Nodes         int
	Duration      time.Duration
}

// LimitsRejected is emitted when a document is refused before forwarding.
// Code is the GraphQL extensions code of the failure.
type LimitsRejected struct {
	OperationName string
	OperationType string
	Code          string
	Err           error
	Duration      time.Duration
}
