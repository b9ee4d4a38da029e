package callchain

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
	eventbus "github.com/hanpama/callchain/internal/eventbus"
	events "github.com/hanpama/callchain/internal/events"
)

// session is the state one call shares between its two boundary adapters.
// The tracker's outbound handlers issue transport batches; its inbound
// handlers deliver to the application.
type session struct {
	id      int64
	ctx     context.Context
	method  string
	shape   Shape
	tracker *batch.Tracker[*session]

	top    *ClientCall
	bottom *transportCall

	streams atomic.Uint64
	batches atomic.Uint64
}

func (s *session) tracked(dir batch.Direction, op batch.Op) bool {
	return s.shape.registry().Requires(dir, op)
}

func (s *session) newStreamContext() *StreamContext {
	return &StreamContext{call: s.id, seq: s.streams.Add(1)}
}

func (s *session) issue(ops batch.Values) {
	if s.bottom != nil {
		s.bottom.issue(ops)
	}
}

func (s *session) misuse(err error) {
	eventbus.Publish(s.ctx, events.ProtocolMisuse{CallID: s.id, Method: s.method, Err: err})
}

// transportFailure ends the call with the transport's error, bypassing the
// tracker and the listener chain.
func (s *session) transportFailure(err error) {
	s.top.finish(StatusFromError(err))
}

func (s *session) deliverResponse(v batch.Values) {
	md, _ := v[rh].(metadata.MD)
	s.top.deliverMetadata(md)
	if msg := v[rm]; msg != nil {
		s.top.deliverMessage(msg)
	}
	st, _ := v[rs].(*Status)
	s.top.finish(st)
}

func (s *session) deliverHeaders(v batch.Values) {
	md, _ := v[rh].(metadata.MD)
	s.top.deliverMetadata(md)
	if s.shape.ServerStreams() {
		s.top.requestMessage()
	}
}

func (s *session) deliverStatus(v batch.Values) {
	st, _ := v[rs].(*Status)
	s.top.finish(st)
}
