package callchain

import (
	"context"
	"fmt"
)

// CallOptions is handed to every interceptor and to the transport factory.
// BuildCall fills Shape; the rest comes from the caller.
type CallOptions struct {
	// Context bounds the call. Deadlines and cancellation are enforced by the
	// transport, not by the chain.
	Context context.Context

	// Method is the full method name, "/package.Service/Method".
	Method string

	Shape Shape

	// Serialize turns an outbound message into bytes. Nil accepts []byte
	// messages unchanged.
	Serialize func(msg any) ([]byte, error)

	// Deserialize turns inbound bytes into a message. Nil delivers the raw
	// []byte.
	Deserialize func(b []byte) (any, error)
}

func (o CallOptions) context() context.Context {
	if o.Context == nil {
		return context.Background()
	}
	return o.Context
}

// serialize runs the configured serializer, turning panics into errors.
func (o CallOptions) serialize(msg any) (b []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer panicked: %v", r)
		}
	}()
	if o.Serialize != nil {
		return o.Serialize(msg)
	}
	b, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf("cannot send %T without a serializer", msg)
	}
	return b, nil
}

// deserialize runs the configured deserializer, turning panics into errors.
func (o CallOptions) deserialize(b []byte) (msg any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deserializer panicked: %v", r)
		}
	}()
	if o.Deserialize != nil {
		return o.Deserialize(b)
	}
	return b, nil
}
