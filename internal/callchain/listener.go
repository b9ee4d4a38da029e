package callchain

import "google.golang.org/grpc/metadata"

// Listener receives the inbound side of a call at the application.
type Listener interface {
	OnReceiveMetadata(md metadata.MD)
	OnReceiveMessage(msg any)
	OnReceiveStatus(st *Status)
}

// ListenerHandlers adapts plain functions to Listener. Nil fields are ignored.
type ListenerHandlers struct {
	Metadata func(md metadata.MD)
	Message  func(msg any)
	Status   func(st *Status)
}

func (h ListenerHandlers) OnReceiveMetadata(md metadata.MD) {
	if h.Metadata != nil {
		h.Metadata(md)
	}
}

func (h ListenerHandlers) OnReceiveMessage(msg any) {
	if h.Message != nil {
		h.Message(msg)
	}
}

func (h ListenerHandlers) OnReceiveStatus(st *Status) {
	if h.Status != nil {
		h.Status(st)
	}
}

// ListenerFuncs is an interceptor's inbound override table. Each override
// receives the value and next, which forwards to the following listener
// toward the application. Not calling next drops the event. Nil fields
// forward unchanged.
type ListenerFuncs struct {
	OnReceiveMetadata func(md metadata.MD, next func(metadata.MD))
	OnReceiveMessage  func(msg any, next func(any))
	// OnReceiveMessageWithContext takes precedence over OnReceiveMessage for
	// streamed messages. Without it, OnReceiveMessage sees streamed messages
	// too and the stream context is carried past it.
	OnReceiveMessageWithContext func(sc *StreamContext, msg any, next func(*StreamContext, any))
	OnReceiveStatus             func(st *Status, next func(*Status))
}

// ListenerArg is what Start passes along the chain: either a listener
// already linked into the chain (*InterceptingListener) or an override table
// that still has to be linked (*ListenerFuncs).
type ListenerArg interface {
	listenerArg()
}

func (*InterceptingListener) listenerArg() {}
func (*ListenerFuncs) listenerArg()        {}

// InterceptingListener is one link of the inbound chain. Events enter at the
// transport end and travel toward the application. A link with no delegate
// and no next is the terminal sink and ignores everything.
type InterceptingListener struct {
	next     *InterceptingListener
	delegate *ListenerFuncs
}

var sinkListener = &InterceptingListener{}

// link resolves arg against the previously built link. An override table is
// wrapped in a new link in front of next; a link is used as is.
func link(arg ListenerArg, next *InterceptingListener) *InterceptingListener {
	switch l := arg.(type) {
	case *InterceptingListener:
		if l != nil {
			return l
		}
	case *ListenerFuncs:
		if l != nil {
			return &InterceptingListener{next: next, delegate: l}
		}
	}
	if next == nil {
		return sinkListener
	}
	return next
}

func (l *InterceptingListener) OnReceiveMetadata(md metadata.MD) {
	if l == nil {
		return
	}
	if d := l.delegate; d != nil && d.OnReceiveMetadata != nil {
		d.OnReceiveMetadata(md, l.next.OnReceiveMetadata)
		return
	}
	l.next.OnReceiveMetadata(md)
}

func (l *InterceptingListener) OnReceiveMessage(msg any) {
	if l == nil {
		return
	}
	if d := l.delegate; d != nil && d.OnReceiveMessage != nil {
		d.OnReceiveMessage(msg, l.next.OnReceiveMessage)
		return
	}
	l.next.OnReceiveMessage(msg)
}

func (l *InterceptingListener) OnReceiveMessageWithContext(sc *StreamContext, msg any) {
	if l == nil {
		return
	}
	d := l.delegate
	switch {
	case d != nil && d.OnReceiveMessageWithContext != nil:
		d.OnReceiveMessageWithContext(sc, msg, l.next.OnReceiveMessageWithContext)
	case d != nil && d.OnReceiveMessage != nil:
		d.OnReceiveMessage(msg, func(msg any) { l.next.OnReceiveMessageWithContext(sc, msg) })
	default:
		l.next.OnReceiveMessageWithContext(sc, msg)
	}
}

func (l *InterceptingListener) OnReceiveStatus(st *Status) {
	if l == nil {
		return
	}
	if d := l.delegate; d != nil && d.OnReceiveStatus != nil {
		d.OnReceiveStatus(st, l.next.OnReceiveStatus)
		return
	}
	l.next.OnReceiveStatus(st)
}

// Depth counts the links up to and including the sink.
func (l *InterceptingListener) Depth() int {
	n := 0
	for ; l != nil; l = l.next {
		n++
	}
	return n
}
