package events

import (
	"time"

	"google.golang.org/grpc/codes"
)

// GRPCClientStart is emitted when a gRPC stream is opened for a call.
type GRPCClientStart struct {
	Service string
	Method  string
	Target  string
}

// GRPCClientFinish is emitted after a gRPC stream has ended.
type GRPCClientFinish struct {
	Service  string
	Method   string
	Target   string
	Code     codes.Code
	Err      error
	Duration time.Duration
}
