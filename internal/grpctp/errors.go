package grpctp

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrNoEndpoints indicates the provider returned no endpoints for a service.
	ErrNoEndpoints = errors.New("grpctp: no endpoints available")
	// ErrNoProvider indicates the client was built without an EndpointProvider.
	ErrNoProvider = errors.New("grpctp: provider not configured")
	// ErrClosed is returned for calls on a closed client.
	ErrClosed = errors.New("grpctp: closed")
	// ErrBadMethod is returned for method names not of the form "/service/method".
	ErrBadMethod = errors.New("grpctp: malformed method name")
)

// codeError attaches a gRPC code to err without hiding it from errors.Is.
type codeError struct {
	code codes.Code
	err  error
}

func withCode(code codes.Code, err error) error { return &codeError{code: code, err: err} }

func (e *codeError) Error() string { return e.err.Error() }

func (e *codeError) Unwrap() error { return e.err }

func (e *codeError) GRPCStatus() *status.Status { return status.New(e.code, e.err.Error()) }
