package callchain

import (
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
	eventbus "github.com/hanpama/callchain/internal/eventbus"
	events "github.com/hanpama/callchain/internal/events"
)

// BatchCallback receives the results of a batch. err is non-nil only when
// the transport failed without producing a status.
type BatchCallback func(results batch.Values, err error)

// Transport is the physical call underneath a chain.
//
// Batch payloads: SendHeaders metadata.MD, SendMessage []byte, SendHalfClose
// nil. Results: RecvHeaders metadata.MD, RecvMessage []byte (nil at end of
// stream), RecvStatus *Status. A batch asking for RecvStatus completes once
// the call has ended, including after Cancel. Implementations must not call
// cb from inside StartBatch while holding locks the chain may re-enter.
type Transport interface {
	StartBatch(ops batch.Values, cb BatchCallback)
	Cancel()
	CancelWithStatus(code codes.Code, details string)
	Peer() string
}

// TransportFactory creates the transport for one call.
type TransportFactory func(opts CallOptions) (Transport, error)

// transportCall is the innermost link. It owns the lazily created transport,
// records tracked outbound operations, and turns transport results into
// listener events.
type transportCall struct {
	s       *session
	factory TransportFactory
	opts    CallOptions

	mu        sync.Mutex
	t         Transport
	listener  *InterceptingListener
	failed    bool
	cancelled bool
	// pending holds a status synthesized before Start linked the listener.
	pending *Status
}

var _ Call = (*transportCall)(nil)

func (c *transportCall) Start(md metadata.MD, l ListenerArg) {
	c.mu.Lock()
	c.listener = link(l, sinkListener)
	listener, st := c.listener, c.pending
	c.pending = nil
	c.mu.Unlock()
	if st != nil {
		listener.OnReceiveStatus(st)
		return
	}
	c.record(batch.SendHeaders, md)
}

func (c *transportCall) SendMessage(msg any) { c.send(nil, msg) }

func (c *transportCall) SendMessageWithContext(sc *StreamContext, msg any) { c.send(sc, msg) }

func (c *transportCall) send(sc *StreamContext, msg any) {
	b, err := c.opts.serialize(msg)
	if err != nil {
		c.serializationFailure("serialize", err)
		return
	}
	if c.s.tracked(batch.Outbound, batch.SendMessage) {
		c.record(batch.SendMessage, b)
		return
	}
	c.startBatch(batch.Values{batch.SendMessage: b}, nil)
}

func (c *transportCall) HalfClose() {
	if c.s.tracked(batch.Outbound, batch.SendHalfClose) {
		c.record(batch.SendHalfClose, nil)
		return
	}
	c.startBatch(batch.Values{batch.SendHalfClose: nil}, nil)
}

func (c *transportCall) RecvMessageWithContext(sc *StreamContext) {
	c.startBatch(batch.Values{batch.RecvMessage: nil}, func(res batch.Values) {
		c.deliverStreamed(sc, res)
	})
}

func (c *transportCall) Cancel() {
	c.cancel(codes.Canceled, "call cancelled", func(t Transport) { t.Cancel() })
}

func (c *transportCall) CancelWithStatus(code codes.Code, details string) {
	c.cancel(code, details, func(t Transport) { t.CancelWithStatus(code, details) })
}

// cancel reaches the transport at most once. Without a transport there is
// nothing to resolve the call, so the cancellation status is synthesized.
// Before Start it waits in pending for the listener.
func (c *transportCall) cancel(code codes.Code, details string, fn func(Transport)) {
	c.mu.Lock()
	if c.cancelled || c.failed {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	t, l := c.t, c.listener
	if t != nil {
		c.mu.Unlock()
		fn(t)
		return
	}
	c.failed = true
	st := &Status{Code: code, Details: details, Metadata: metadata.MD{}}
	if l == nil {
		c.pending = st
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	l.OnReceiveStatus(st)
}

func (c *transportCall) Peer() string {
	c.mu.Lock()
	t := c.t
	c.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.Peer()
}

func (c *transportCall) record(op batch.Op, v any) {
	if err := c.s.tracker.Record(batch.Outbound, op, v); err != nil {
		c.s.misuse(err)
		c.fail(internalStatus("%v", err))
	}
}

// transport returns the call's transport, creating it on first use.
func (c *transportCall) transport() (Transport, bool) {
	c.mu.Lock()
	if c.failed || (c.cancelled && c.t == nil) {
		c.mu.Unlock()
		return nil, false
	}
	if c.t != nil {
		t := c.t
		c.mu.Unlock()
		return t, true
	}
	t, err := c.factory(c.opts)
	if err != nil {
		c.failed = true
		c.mu.Unlock()
		c.s.transportFailure(err)
		return nil, false
	}
	c.t = t
	c.mu.Unlock()
	return t, true
}

func (c *transportCall) isFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// issue starts a batch built by an outbound handler and routes its results
// up the listener chain.
func (c *transportCall) issue(ops batch.Values) {
	c.startBatch(ops, c.deliver)
}

func (c *transportCall) startBatch(ops batch.Values, done func(batch.Values)) {
	t, ok := c.transport()
	if !ok {
		return
	}
	seq := c.s.batches.Add(1)
	set := ops.Ops().String()
	start := time.Now()
	eventbus.Publish(c.s.ctx, events.BatchStart{CallID: c.s.id, Method: c.opts.Method, Seq: seq, Ops: set})
	t.StartBatch(ops, func(res batch.Values, err error) {
		eventbus.Publish(c.s.ctx, events.BatchFinish{CallID: c.s.id, Method: c.opts.Method, Seq: seq, Ops: set, Err: err, Duration: time.Since(start)})
		if c.isFailed() {
			return
		}
		if err != nil {
			c.mu.Lock()
			c.failed = true
			c.mu.Unlock()
			c.s.transportFailure(err)
			return
		}
		if done != nil {
			done(res)
		}
	})
}

func (c *transportCall) currentListener() *InterceptingListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

// deliver hands batch results to the listener chain in wire order:
// headers, message, status.
func (c *transportCall) deliver(res batch.Values) {
	l := c.currentListener()
	if v, ok := res[batch.RecvHeaders]; ok {
		md, _ := v.(metadata.MD)
		if md == nil {
			md = metadata.MD{}
		}
		l.OnReceiveMetadata(md)
	}
	if v, ok := res[batch.RecvMessage]; ok {
		var msg any
		if b, _ := v.([]byte); b != nil {
			m, err := c.opts.deserialize(b)
			if err != nil {
				c.serializationFailure("deserialize", err)
				return
			}
			msg = m
		}
		l.OnReceiveMessage(msg)
	}
	if v, ok := res[batch.RecvStatus]; ok {
		st, _ := v.(*Status)
		if st == nil {
			st = internalStatus("transport returned no status")
		}
		l.OnReceiveStatus(st)
	}
}

func (c *transportCall) deliverStreamed(sc *StreamContext, res batch.Values) {
	l := c.currentListener()
	b, _ := res[batch.RecvMessage].([]byte)
	if b == nil {
		l.OnReceiveMessageWithContext(sc, nil)
		return
	}
	msg, err := c.opts.deserialize(b)
	if err != nil {
		c.serializationFailure("deserialize", err)
		return
	}
	l.OnReceiveMessageWithContext(sc, msg)
}

// serializationFailure ends the call with a synthesized INTERNAL status that
// travels up the listener chain like any other status.
func (c *transportCall) serializationFailure(what string, err error) {
	st := internalStatus("%v: %s: %v", ErrSerialization, what, err)
	c.fail(st)
}

// fail cancels the transport, if any, and delivers st up the listener chain,
// or holds it for Start. Later transport results are dropped.
func (c *transportCall) fail(st *Status) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	c.failed = true
	t, l := c.t, c.listener
	cancel := t != nil && !c.cancelled
	c.cancelled = true
	if l == nil {
		c.pending = st
	}
	c.mu.Unlock()

	if cancel {
		t.CancelWithStatus(st.Code, st.Details)
	}
	if l != nil {
		l.OnReceiveStatus(st)
	}
}
