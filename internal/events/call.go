package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// CallStart is emitted when the application starts a call.
type CallStart struct {
	CallID int64
	Method string
	Shape  string
}

// CallFinish is emitted once the final status has reached the application.
type CallFinish struct {
	CallID   int64
	Method   string
	Code     codes.Code
	Details  string
	Duration time.Duration
}

// BatchStart is emitted when a batch is handed to the transport.
type BatchStart struct {
	CallID int64
	Method string
	Seq    uint64
	Ops    string
}

// BatchFinish is emitted when the transport completes a batch.
type BatchFinish struct {
	CallID   int64
	Method   string
	Seq      uint64
	Ops      string
	Err      error
	Duration time.Duration
}

// ProtocolMisuse is emitted when an operation is recorded twice or is
// unknown. The offending operation is dropped.
type ProtocolMisuse struct {
	CallID int64
	Method string
	Err    error
}
