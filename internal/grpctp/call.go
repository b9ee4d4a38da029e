package grpctp

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/hanpama/callchain/internal/batch"
	"github.com/hanpama/callchain/internal/callchain"
	eventbus "github.com/hanpama/callchain/internal/eventbus"
	events "github.com/hanpama/callchain/internal/events"
)

// streamCall is the transport of one call: a single grpc.ClientStream.
//
// Outbound work runs on the send lane and inbound work on the recv lane, so
// a blocked receive never holds up sends. A batch that needs the final
// status completes once the stream has ended.
type streamCall struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cc       *grpc.ClientConn
	endpoint string
	service  string
	method   string
	desc     *grpc.StreamDesc
	start    time.Time

	send lane
	recv lane

	ready  chan struct{} // closed once the stream is open or failed to open
	stream grpc.ClientStream

	mu        sync.Mutex
	final     *callchain.Status
	waiters   []func(*callchain.Status)
	preferred *callchain.Status
	opened    bool
	stopAfter func() bool
}

var _ callchain.Transport = (*streamCall)(nil)

func newStreamCall(ctx context.Context, cancel context.CancelFunc, cc *grpc.ClientConn, endpoint, service, method string, shape callchain.Shape) *streamCall {
	s := &streamCall{
		ctx:      ctx,
		cancel:   cancel,
		cc:       cc,
		endpoint: endpoint,
		service:  service,
		method:   method,
		desc: &grpc.StreamDesc{
			StreamName:    method,
			ClientStreams: shape.ClientStreams(),
			ServerStreams: shape.ServerStreams(),
		},
		ready: make(chan struct{}),
	}
	// Nothing may be reading when the call is cancelled or times out.
	s.stopAfter = context.AfterFunc(ctx, func() {
		s.resolve(s.statusFromErr(ctx.Err()))
	})
	return s
}

func (s *streamCall) StartBatch(ops batch.Values, cb callchain.BatchCallback) {
	out, in := split(ops)
	switch {
	case len(out) > 0:
		s.send.run(func() {
			s.doSend(out)
			if len(in) > 0 {
				s.recv.run(func() { s.doRecv(in, cb) })
				return
			}
			cb(batch.Values{}, nil)
		})
	default:
		s.recv.run(func() { s.doRecv(in, cb) })
	}
}

func split(ops batch.Values) (out, in batch.Values) {
	out, in = batch.Values{}, batch.Values{}
	for op, v := range ops {
		if op.Direction() == batch.Outbound {
			out[op] = v
		} else {
			in[op] = v
		}
	}
	return out, in
}

func (s *streamCall) doSend(ops batch.Values) {
	if v, ok := ops[batch.SendHeaders]; ok {
		md, _ := v.(metadata.MD)
		s.open(md)
	}
	select {
	case <-s.ready:
	case <-s.ctx.Done():
	}
	stream := s.openStream()
	if stream == nil {
		return
	}
	if v, ok := ops[batch.SendMessage]; ok {
		b, _ := v.([]byte)
		// A failed send means the stream has ended; its status is
		// reported by the receiving side.
		_ = stream.SendMsg(b)
	}
	if _, ok := ops[batch.SendHalfClose]; ok {
		_ = stream.CloseSend()
	}
}

func (s *streamCall) open(md metadata.MD) {
	s.mu.Lock()
	if s.opened {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.start = time.Now()
	s.mu.Unlock()

	eventbus.Publish(s.ctx, events.GRPCClientStart{Service: s.service, Method: s.method, Target: s.endpoint})
	ctx := metadata.NewOutgoingContext(s.ctx, md.Copy())
	stream, err := s.cc.NewStream(ctx, s.desc, "/"+s.service+"/"+s.method, grpc.ForceCodec(rawCodec{}))
	s.stream = stream
	close(s.ready)
	if err != nil {
		s.resolve(s.statusFromErr(err))
	}
}

func (s *streamCall) doRecv(ops batch.Values, cb callchain.BatchCallback) {
	select {
	case <-s.ready:
	case <-s.ctx.Done():
	}
	stream := s.openStream()
	res := batch.Values{}
	var wake []func(*callchain.Status)

	if _, ok := ops[batch.RecvHeaders]; ok {
		md := metadata.MD{}
		if stream != nil {
			if h, err := stream.Header(); err == nil && h != nil {
				md = h
			}
		}
		res[batch.RecvHeaders] = md
	}
	if _, ok := ops[batch.RecvMessage]; ok {
		res[batch.RecvMessage] = nil
		if stream != nil {
			var b []byte
			err := stream.RecvMsg(&b)
			switch {
			case err == nil:
				res[batch.RecvMessage] = b
				if !s.desc.ServerStreams {
					// The single response is followed by the status.
					wake = s.settle(&callchain.Status{Code: codes.OK, Metadata: stream.Trailer()})
				}
			case errors.Is(err, io.EOF):
				wake = s.settle(&callchain.Status{Code: codes.OK, Metadata: stream.Trailer()})
			default:
				wake = s.settle(s.statusFromErr(err))
			}
		}
	}
	if _, ok := ops[batch.RecvStatus]; ok {
		s.mu.Lock()
		if s.final == nil {
			s.waiters = append(s.waiters, func(st *callchain.Status) {
				res[batch.RecvStatus] = st
				cb(res, nil)
			})
			s.mu.Unlock()
			s.wake(wake)
			return
		}
		res[batch.RecvStatus] = s.final
		s.mu.Unlock()
	}
	cb(res, nil)
	s.wake(wake)
}

// statusFromErr maps an error that ended the stream to the call's status,
// preferring a status given to CancelWithStatus.
func (s *streamCall) statusFromErr(err error) *callchain.Status {
	s.mu.Lock()
	preferred := s.preferred
	s.mu.Unlock()
	if preferred != nil {
		return preferred
	}
	st := status.Convert(err)
	md := metadata.MD{}
	ctxErr := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if stream := s.openStream(); stream != nil && !ctxErr {
		md = stream.Trailer()
	}
	code := st.Code()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return &callchain.Status{Code: code, Details: st.Message(), Metadata: md}
}

// settle records st as the final status unless one is already known and
// returns the batches that were waiting for it.
func (s *streamCall) settle(st *callchain.Status) []func(*callchain.Status) {
	s.mu.Lock()
	if s.final != nil {
		s.mu.Unlock()
		return nil
	}
	if st.Metadata == nil {
		st.Metadata = metadata.MD{}
	}
	s.final = st
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	s.finish(st)
	return waiters
}

func (s *streamCall) resolve(st *callchain.Status) { s.wake(s.settle(st)) }

func (s *streamCall) wake(waiters []func(*callchain.Status)) {
	if len(waiters) == 0 {
		return
	}
	s.mu.Lock()
	st := s.final
	s.mu.Unlock()
	for _, w := range waiters {
		w(st)
	}
}

// openStream returns the stream once open has run, or nil.
func (s *streamCall) openStream() grpc.ClientStream {
	select {
	case <-s.ready:
		return s.stream
	default:
		return nil
	}
}

// finish releases the stream's resources once its status is known.
func (s *streamCall) finish(st *callchain.Status) {
	s.stopAfter()
	s.cancel()
	s.mu.Lock()
	opened, start := s.opened, s.start
	s.mu.Unlock()
	if opened {
		eventbus.Publish(s.ctx, events.GRPCClientFinish{
			Service:  s.service,
			Method:   s.method,
			Target:   s.endpoint,
			Code:     st.Code,
			Err:      st.Err(),
			Duration: time.Since(start),
		})
	}
}

func (s *streamCall) Cancel() {
	s.CancelWithStatus(codes.Canceled, "call cancelled")
}

func (s *streamCall) CancelWithStatus(code codes.Code, details string) {
	s.mu.Lock()
	if s.preferred == nil {
		s.preferred = &callchain.Status{Code: code, Details: details, Metadata: metadata.MD{}}
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *streamCall) Peer() string {
	stream := s.openStream()
	if stream == nil {
		return ""
	}
	p, ok := peer.FromContext(stream.Context())
	if !ok || p.Addr == nil {
		return ""
	}
	return p.Addr.String()
}
