package callchain

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Status is the terminal outcome of a call.
type Status struct {
	Code     codes.Code
	Details  string
	Metadata metadata.MD
}

// OK reports whether the call succeeded.
func (s *Status) OK() bool { return s != nil && s.Code == codes.OK }

// Err converts a non-OK status into a gRPC status error. OK yields nil.
func (s *Status) Err() error {
	if s == nil || s.Code == codes.OK {
		return nil
	}
	return status.Error(s.Code, s.Details)
}

func (s *Status) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Details)
}

// StatusFromError derives a status from err. Errors that carry no gRPC status
// become codes.Unknown.
func StatusFromError(err error) *Status {
	if err == nil {
		return &Status{Code: codes.OK}
	}
	st := status.Convert(err)
	return &Status{Code: st.Code(), Details: st.Message()}
}

func internalStatus(format string, args ...any) *Status {
	return &Status{Code: codes.Internal, Details: fmt.Sprintf(format, args...), Metadata: metadata.MD{}}
}
