package callchain

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// Call is the outbound surface shared by every link of a chain.
type Call interface {
	Start(md metadata.MD, listener ListenerArg)
	SendMessage(msg any)
	SendMessageWithContext(sc *StreamContext, msg any)
	HalfClose()
	RecvMessageWithContext(sc *StreamContext)
	Cancel()
	CancelWithStatus(code codes.Code, details string)
	Peer() string
}

// Requester is an interceptor's outbound override table. Each override gets
// the arguments plus next, which invokes the same operation on the following
// link toward the transport. Not calling next halts that operation. Nil
// fields forward unchanged, so an interceptor only spells out what it changes.
type Requester struct {
	// Start receives the listener link built so far. Passing it to next keeps
	// it; passing a *ListenerFuncs links that table in front of it.
	Start       func(md metadata.MD, listener *InterceptingListener, next func(metadata.MD, ListenerArg))
	SendMessage func(msg any, next func(any))
	// SendMessageWithContext takes precedence over SendMessage for streamed
	// sends. Without it, SendMessage sees streamed messages too.
	SendMessageWithContext func(sc *StreamContext, msg any, next func(*StreamContext, any))
	HalfClose              func(next func())
	RecvMessageWithContext func(sc *StreamContext, next func(*StreamContext))
	Cancel                 func(next func())
	CancelWithStatus       func(code codes.Code, details string, next func(codes.Code, string))
	Peer                   func(next func() string) string
}

// InterceptingCall is one link of the outbound chain.
type InterceptingCall struct {
	next Call
	req  *Requester
}

var _ Call = (*InterceptingCall)(nil)

// NewInterceptingCall links r in front of next. A nil next makes every next
// a no-op; a nil r forwards everything.
func NewInterceptingCall(next Call, r *Requester) *InterceptingCall {
	if r == nil {
		r = &Requester{}
	}
	return &InterceptingCall{next: next, req: r}
}

func (c *InterceptingCall) Start(md metadata.MD, listener ListenerArg) {
	current := link(listener, sinkListener)
	next := func(md metadata.MD, l ListenerArg) {
		if c.next != nil {
			c.next.Start(md, link(l, current))
		}
	}
	if c.req.Start != nil {
		c.req.Start(md, current, next)
		return
	}
	next(md, current)
}

func (c *InterceptingCall) SendMessage(msg any) {
	next := func(msg any) {
		if c.next != nil {
			c.next.SendMessage(msg)
		}
	}
	if c.req.SendMessage != nil {
		c.req.SendMessage(msg, next)
		return
	}
	next(msg)
}

func (c *InterceptingCall) SendMessageWithContext(sc *StreamContext, msg any) {
	next := func(sc *StreamContext, msg any) {
		if c.next != nil {
			c.next.SendMessageWithContext(sc, msg)
		}
	}
	switch {
	case c.req.SendMessageWithContext != nil:
		c.req.SendMessageWithContext(sc, msg, next)
	case c.req.SendMessage != nil:
		c.req.SendMessage(msg, func(msg any) { next(sc, msg) })
	default:
		next(sc, msg)
	}
}

func (c *InterceptingCall) HalfClose() {
	next := func() {
		if c.next != nil {
			c.next.HalfClose()
		}
	}
	if c.req.HalfClose != nil {
		c.req.HalfClose(next)
		return
	}
	next()
}

func (c *InterceptingCall) RecvMessageWithContext(sc *StreamContext) {
	next := func(sc *StreamContext) {
		if c.next != nil {
			c.next.RecvMessageWithContext(sc)
		}
	}
	if c.req.RecvMessageWithContext != nil {
		c.req.RecvMessageWithContext(sc, next)
		return
	}
	next(sc)
}

func (c *InterceptingCall) Cancel() {
	next := func() {
		if c.next != nil {
			c.next.Cancel()
		}
	}
	if c.req.Cancel != nil {
		c.req.Cancel(next)
		return
	}
	next()
}

func (c *InterceptingCall) CancelWithStatus(code codes.Code, details string) {
	next := func(code codes.Code, details string) {
		if c.next != nil {
			c.next.CancelWithStatus(code, details)
		}
	}
	if c.req.CancelWithStatus != nil {
		c.req.CancelWithStatus(code, details, next)
		return
	}
	next(code, details)
}

func (c *InterceptingCall) Peer() string {
	next := func() string {
		if c.next == nil {
			return ""
		}
		return c.next.Peer()
	}
	if c.req.Peer != nil {
		return c.req.Peer(next)
	}
	return next()
}
