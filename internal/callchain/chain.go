package callchain

import (
	"fmt"

	"github.com/hanpama/callchain/internal/batch"
	"github.com/hanpama/callchain/internal/callid"
)

// NextCall builds the remainder of a chain for the given options.
type NextCall func(opts CallOptions) Call

// Interceptor wraps the remainder of a chain. It usually returns
// NewInterceptingCall(next(opts), requester); it may also change opts before
// calling next, or not call next at all.
type Interceptor func(opts CallOptions, next NextCall) Call

// Compose merges interceptors into one that behaves like listing them in
// order, so Compose(a, Compose(b, c)) and Compose(Compose(a, b), c) build the
// same chain.
func Compose(interceptors ...Interceptor) Interceptor {
	return func(opts CallOptions, next NextCall) Call {
		return chain(interceptors, 0, next)(opts)
	}
}

func chain(interceptors []Interceptor, idx int, final NextCall) NextCall {
	if idx == len(interceptors) {
		return final
	}
	return func(opts CallOptions) Call {
		return interceptors[idx](opts, chain(interceptors, idx+1, final))
	}
}

// BuildCall assembles the chain for one call. interceptors[0] is outermost:
// it sees outbound operations first and inbound events last. The transport
// is created through factory when the first batch is issued.
func BuildCall(factory TransportFactory, interceptors []Interceptor, shape Shape, opts CallOptions) (*ClientCall, error) {
	if factory == nil {
		return nil, &ConfigurationError{Where: "transport factory", Err: ErrNilTransportFactory}
	}
	if !shape.Valid() {
		return nil, &ConfigurationError{Where: shape.String(), Err: ErrUnknownShape}
	}
	for i, ic := range interceptors {
		if ic == nil {
			return nil, &ConfigurationError{Where: fmt.Sprintf("interceptor[%d]", i), Err: ErrNilInterceptor}
		}
	}

	ctx, id := callid.NewContext(opts.context())
	opts.Context = ctx
	opts.Shape = shape
	s := &session{id: id, ctx: ctx, method: opts.Method, shape: shape}
	s.tracker = batch.NewTracker(shape.registry(), s)

	bottom := func(o CallOptions) Call {
		o.Shape = shape
		tc := &transportCall{s: s, factory: factory, opts: o}
		s.bottom = tc
		return tc
	}
	next := chain(interceptors, 0, bottom)(opts)
	if next == nil {
		return nil, &ConfigurationError{Where: opts.Method, Err: ErrNilCall}
	}
	c := &ClientCall{s: s, next: next, done: make(chan struct{})}
	s.top = c
	return c, nil
}

// Channel binds a transport factory and an interceptor list so calls can be
// built by method name.
type Channel struct {
	factory      TransportFactory
	interceptors []Interceptor
}

// NewChannel validates the configuration once for every call built on it.
func NewChannel(factory TransportFactory, interceptors ...Interceptor) (*Channel, error) {
	if factory == nil {
		return nil, &ConfigurationError{Where: "transport factory", Err: ErrNilTransportFactory}
	}
	for i, ic := range interceptors {
		if ic == nil {
			return nil, &ConfigurationError{Where: fmt.Sprintf("interceptor[%d]", i), Err: ErrNilInterceptor}
		}
	}
	return &Channel{factory: factory, interceptors: append([]Interceptor(nil), interceptors...)}, nil
}

// NewCall builds a call of the given shape.
func (ch *Channel) NewCall(shape Shape, opts CallOptions) (*ClientCall, error) {
	return BuildCall(ch.factory, ch.interceptors, shape, opts)
}
