package callchain

import (
	"errors"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
	eventbus "github.com/hanpama/callchain/internal/eventbus"
	events "github.com/hanpama/callchain/internal/events"
)

// ClientCall is the application's handle on a call. It is the outermost
// link: it records inbound operations against the call's batch definitions
// and hands completed results to the application listener.
//
// The application listener sees metadata at most once, then messages, then
// exactly one status. Nothing is delivered after the status.
type ClientCall struct {
	s    *session
	next Call
	done chan struct{}

	mu       sync.Mutex
	listener Listener
	started  time.Time
	finished bool
	final    *Status
}

// Method returns the full method name of the call.
func (c *ClientCall) Method() string { return c.s.method }

// Shape returns the call's shape.
func (c *ClientCall) Shape() Shape { return c.s.shape }

// ID returns the process-unique call id, also carried by the call context.
func (c *ClientCall) ID() int64 { return c.s.id }

// Start begins the call. l receives everything the chain lets through.
func (c *ClientCall) Start(md metadata.MD, l Listener) {
	if md == nil {
		md = metadata.MD{}
	}
	c.mu.Lock()
	c.listener = l
	c.started = time.Now()
	c.mu.Unlock()
	eventbus.Publish(c.s.ctx, events.CallStart{CallID: c.s.id, Method: c.s.method, Shape: c.s.shape.String()})

	c.next.Start(md, &ListenerFuncs{
		OnReceiveMetadata:           c.onMetadata,
		OnReceiveMessage:            c.onMessage,
		OnReceiveMessageWithContext: c.onStreamMessage,
		OnReceiveStatus:             c.onStatus,
	})
}

// SendMessage sends one request message. Client-streaming shapes may call it
// repeatedly; the others exactly once.
func (c *ClientCall) SendMessage(msg any) {
	if c.s.shape.ClientStreams() {
		c.next.SendMessageWithContext(c.s.newStreamContext(), msg)
		return
	}
	c.next.SendMessage(msg)
}

// HalfClose signals that no more messages will be sent.
func (c *ClientCall) HalfClose() { c.next.HalfClose() }

// Cancel aborts the call. The listener still receives a final status.
func (c *ClientCall) Cancel() { c.next.Cancel() }

// CancelWithStatus aborts the call, preferring code and details as its
// final status.
func (c *ClientCall) CancelWithStatus(code codes.Code, details string) {
	c.next.CancelWithStatus(code, details)
}

// Peer returns the remote address, or "" before the transport exists.
func (c *ClientCall) Peer() string { return c.next.Peer() }

// Done is closed once the final status has been delivered.
func (c *ClientCall) Done() <-chan struct{} { return c.done }

// Status returns the final status, or nil while the call is in flight.
func (c *ClientCall) Status() *Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final
}

func (c *ClientCall) onMetadata(md metadata.MD, _ func(metadata.MD)) {
	c.record(rh, md)
}

func (c *ClientCall) onMessage(msg any, _ func(any)) {
	if c.s.tracked(batch.Inbound, rm) {
		c.record(rm, msg)
		return
	}
	c.onStreamMessage(nil, msg, nil)
}

// onStreamMessage delivers a streamed message and asks for the next one.
// A nil message ends the stream.
func (c *ClientCall) onStreamMessage(_ *StreamContext, msg any, _ func(*StreamContext, any)) {
	if c.s.tracked(batch.Inbound, rm) {
		c.record(rm, msg)
		return
	}
	if msg == nil {
		return
	}
	c.deliverMessage(msg)
	c.requestMessage()
}

func (c *ClientCall) onStatus(st *Status, _ func(*Status)) {
	if st == nil {
		st = internalStatus("nil status")
	}
	err := c.s.tracker.Record(batch.Inbound, rs, st)
	if err != nil && !c.isFinished() {
		c.s.misuse(err)
	}
	// A status short-circuited by an interceptor can arrive before the rest
	// of its batch. It still ends the call.
	c.finish(st)
}

func (c *ClientCall) record(op batch.Op, v any) {
	if err := c.s.tracker.Record(batch.Inbound, op, v); err != nil {
		var me *batch.MisuseError
		if errors.As(err, &me) {
			c.s.misuse(err)
		}
	}
}

func (c *ClientCall) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *ClientCall) current() (Listener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener, !c.finished && c.listener != nil
}

func (c *ClientCall) deliverMetadata(md metadata.MD) {
	if md == nil {
		md = metadata.MD{}
	}
	if l, ok := c.current(); ok {
		l.OnReceiveMetadata(md)
	}
}

func (c *ClientCall) deliverMessage(msg any) {
	if l, ok := c.current(); ok {
		l.OnReceiveMessage(msg)
	}
}

// requestMessage asks the chain for the next streamed message.
func (c *ClientCall) requestMessage() {
	if c.isFinished() {
		return
	}
	c.next.RecvMessageWithContext(c.s.newStreamContext())
}

// finish delivers st to the application exactly once.
func (c *ClientCall) finish(st *Status) {
	if st == nil {
		st = internalStatus("call ended without status")
	}
	if st.Metadata == nil {
		st.Metadata = metadata.MD{}
	}
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.final = st
	l, started := c.listener, c.started
	c.mu.Unlock()

	if l != nil {
		l.OnReceiveStatus(st)
	}
	eventbus.Publish(c.s.ctx, events.CallFinish{
		CallID:   c.s.id,
		Method:   c.s.method,
		Code:     st.Code,
		Details:  st.Details,
		Duration: time.Since(started),
	})
	close(c.done)
}
