package callchain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNilInterceptor is reported by BuildCall for a nil entry in the interceptor list.
	ErrNilInterceptor = errors.New("callchain: nil interceptor")
	// ErrUnknownMethod is reported for a method name outside the call/listener surface.
	ErrUnknownMethod = errors.New("callchain: unknown method")
	// ErrNilTransportFactory is reported by BuildCall when no factory is given.
	ErrNilTransportFactory = errors.New("callchain: nil transport factory")
	// ErrNilCall is reported by BuildCall when an interceptor returns no call.
	ErrNilCall = errors.New("callchain: interceptor returned nil call")
	// ErrUnknownShape is reported for a shape outside the four call shapes.
	ErrUnknownShape = errors.New("callchain: unknown call shape")
	// ErrSerialization wraps (de)serializer failures in synthesized statuses' events.
	ErrSerialization = errors.New("callchain: serialization failure")
)

// ConfigurationError reports a misconfigured chain. It is raised while the
// chain is being constructed, never mid-call.
type ConfigurationError struct {
	// Where names the offending element, e.g. "interceptor[2]" or a method name.
	Where string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Where)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Method names one operation of the outbound call surface or the inbound
// listener surface.
type Method uint16

const (
	MethodStart Method = 1 << iota
	MethodSendMessage
	MethodSendMessageWithContext
	MethodHalfClose
	MethodRecvMessageWithContext
	MethodCancel
	MethodCancelWithStatus
	MethodGetPeer
	MethodOnReceiveMetadata
	MethodOnReceiveMessage
	MethodOnReceiveMessageWithContext
	MethodOnReceiveStatus

	methodEnd
)

var methodNames = map[Method]string{
	MethodStart:                       "start",
	MethodSendMessage:                 "sendMessage",
	MethodSendMessageWithContext:      "sendMessageWithContext",
	MethodHalfClose:                   "halfClose",
	MethodRecvMessageWithContext:      "recvMessageWithContext",
	MethodCancel:                      "cancel",
	MethodCancelWithStatus:            "cancelWithStatus",
	MethodGetPeer:                     "getPeer",
	MethodOnReceiveMetadata:           "onReceiveMetadata",
	MethodOnReceiveMessage:            "onReceiveMessage",
	MethodOnReceiveMessageWithContext: "onReceiveMessageWithContext",
	MethodOnReceiveStatus:             "onReceiveStatus",
}

func (m Method) String() string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	return fmt.Sprintf("Method(%d)", uint16(m))
}

// MethodSet is a set of surface methods.
type MethodSet uint16

// AllMethods contains every surface method.
const AllMethods = MethodSet(methodEnd - 1)

func (s MethodSet) Has(m Method) bool { return s&MethodSet(m) != 0 }

// ParseMethods resolves surface method names, case-insensitively. An empty
// list selects every method. Names outside the surface yield a
// *ConfigurationError.
func ParseMethods(names ...string) (MethodSet, error) {
	if len(names) == 0 {
		return AllMethods, nil
	}
	var s MethodSet
	for _, name := range names {
		m, ok := lookupMethod(strings.TrimSpace(name))
		if !ok {
			return 0, &ConfigurationError{Where: name, Err: ErrUnknownMethod}
		}
		s |= MethodSet(m)
	}
	return s, nil
}

func lookupMethod(name string) (Method, bool) {
	for m, n := range methodNames {
		if strings.EqualFold(n, name) {
			return m, true
		}
	}
	return 0, false
}
