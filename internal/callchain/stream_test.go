package callchain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
)

func ops(o ...batch.Op) batch.OpSet { return batch.Ops(o...) }

func complete(t *testing.T, m *MockTransport, op batch.Op, res batch.Values) {
	t.Helper()
	b, err := m.Pending(op)
	require.NoError(t, err)
	b.Complete(res)
}

func TestServerStreaming(t *testing.T) {
	m := NewMockTransport()
	var seqs []uint64
	watch := func(opts CallOptions, next NextCall) Call {
		return NewInterceptingCall(next(opts), &Requester{
			Start: func(md metadata.MD, l *InterceptingListener, next func(metadata.MD, ListenerArg)) {
				next(md, &ListenerFuncs{
					OnReceiveMessageWithContext: func(sc *StreamContext, msg any, next func(*StreamContext, any)) {
						seqs = append(seqs, sc.Seq())
						next(sc, msg)
					},
				})
			},
		})
	}
	call, err := BuildCall(m.Factory(), []Interceptor{watch}, ServerStreaming, CallOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	call.Start(nil, rec)
	call.SendMessage([]byte("q"))
	call.HalfClose()

	want := []batch.OpSet{
		ops(batch.SendHeaders, batch.SendMessage, batch.SendHalfClose, batch.RecvHeaders),
		ops(batch.RecvStatus),
	}
	if diff := cmp.Diff(want, m.OpSets()); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}

	complete(t, m, batch.RecvHeaders, batch.Values{batch.RecvHeaders: metadata.Pairs("k", "v")})
	complete(t, m, batch.RecvMessage, batch.Values{batch.RecvMessage: []byte("1")})
	complete(t, m, batch.RecvMessage, batch.Values{batch.RecvMessage: []byte("2")})
	complete(t, m, batch.RecvMessage, batch.Values{batch.RecvMessage: nil})
	_, err = m.Pending(batch.RecvMessage)
	require.Error(t, err, "no read is requested after the end of the stream")

	complete(t, m, batch.RecvStatus, batch.Values{batch.RecvStatus: okStatus()})

	wantEvents := []string{"metadata:k=v", "message:1", "message:2", "status:OK"}
	if diff := cmp.Diff(wantEvents, rec.Events()); diff != "" {
		t.Fatalf("listener events mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestServerStreamingStatusBeforeHeaders(t *testing.T) {
	m := NewMockTransport()
	call, err := BuildCall(m.Factory(), nil, ServerStreaming, CallOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	call.Start(nil, rec)
	call.SendMessage([]byte("q"))
	call.HalfClose()

	complete(t, m, batch.RecvStatus, batch.Values{batch.RecvStatus: &Status{Code: 14, Details: "down"}})
	complete(t, m, batch.RecvHeaders, batch.Values{batch.RecvHeaders: metadata.MD{}})

	require.Equal(t, []string{"status:Unavailable"}, rec.Events())
	_, err = m.Pending(batch.RecvMessage)
	require.Error(t, err)
}

func TestClientStreaming(t *testing.T) {
	m := NewMockTransport()
	var log []string
	call, err := BuildCall(m.Factory(), []Interceptor{tracing("a", &log)}, ClientStreaming, CallOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	call.Start(nil, rec)
	call.SendMessage([]byte("1"))
	call.SendMessage([]byte("2"))
	call.HalfClose()

	want := []batch.OpSet{
		ops(batch.SendHeaders),
		ops(batch.RecvHeaders, batch.RecvMessage, batch.RecvStatus),
		ops(batch.SendMessage),
		ops(batch.SendMessage),
		ops(batch.SendHalfClose),
	}
	if diff := cmp.Diff(want, m.OpSets()); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}
	bs := m.Batches()
	require.Equal(t, []byte("1"), bs[2].Ops[batch.SendMessage])
	require.Equal(t, []byte("2"), bs[3].Ops[batch.SendMessage])

	complete(t, m, batch.RecvStatus, batch.Values{
		batch.RecvHeaders: metadata.MD{},
		batch.RecvMessage: []byte("sum"),
		batch.RecvStatus:  okStatus(),
	})

	require.Equal(t, []string{"metadata:", "message:sum", "status:OK"}, rec.Events())
	// The SendMessage override sees streamed sends too.
	require.Equal(t, []string{"a:start", "a:send", "a:send", "a:halfClose", "a:metadata", "a:message", "a:status"}, log)
}

func TestBidiStreaming(t *testing.T) {
	m := NewMockTransport()
	call, err := BuildCall(m.Factory(), nil, BidiStreaming, CallOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	call.Start(metadata.Pairs("a", "1"), rec)
	want := []batch.OpSet{ops(batch.SendHeaders, batch.RecvHeaders), ops(batch.RecvStatus)}
	if diff := cmp.Diff(want, m.OpSets()); diff != "" {
		t.Fatalf("batches mismatch (-want +got):\n%s", diff)
	}

	call.SendMessage([]byte("ping"))
	complete(t, m, batch.RecvHeaders, batch.Values{batch.RecvHeaders: metadata.MD{}})
	complete(t, m, batch.RecvMessage, batch.Values{batch.RecvMessage: []byte("pong")})
	call.HalfClose()
	complete(t, m, batch.RecvMessage, batch.Values{batch.RecvMessage: nil})
	complete(t, m, batch.RecvStatus, batch.Values{batch.RecvStatus: okStatus()})

	require.Equal(t, []string{"metadata:", "message:pong", "status:OK"}, rec.Events())
	last := m.OpSets()
	require.Contains(t, last, ops(batch.SendHalfClose))
	require.Contains(t, last, ops(batch.SendMessage))
}

func TestStatusDeliveredOnce(t *testing.T) {
	m := NewMockTransport()
	call, err := BuildCall(m.Factory(), nil, BidiStreaming, CallOptions{})
	require.NoError(t, err)

	rec := &recorder{}
	call.Start(nil, rec)
	call.Cancel()
	call.Cancel()
	complete(t, m, batch.RecvHeaders, batch.Values{batch.RecvHeaders: metadata.MD{}})

	require.Equal(t, []string{"status:Canceled"}, rec.Events())
}
