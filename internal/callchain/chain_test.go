package callchain

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
)

func runUnary(t *testing.T, chain []Interceptor) {
	t.Helper()
	m := NewMockTransport()
	m.Respond = RespondUnary(metadata.MD{}, []byte("r"), okStatus())
	call, err := BuildCall(m.Factory(), chain, Unary, CallOptions{})
	require.NoError(t, err)
	call.Start(nil, &recorder{})
	call.SendMessage([]byte("x"))
	call.HalfClose()
}

func TestComposeIsAssociative(t *testing.T) {
	build := func(log *[]string) map[string][]Interceptor {
		a, b, c := tracing("a", log), tracing("b", log), tracing("c", log)
		return map[string][]Interceptor{
			"flat":       {c, a, b},
			"right":      {c, Compose(a, b)},
			"left":       {Compose(c, a), b},
			"all":        {Compose(c, Compose(a, b))},
			"empty-tail": {c, a, b, Compose()},
		}
	}

	var want []string
	runUnary(t, build(&want)["flat"])
	wantOrder := []string{
		"c:start", "a:start", "b:start",
		"c:send", "a:send", "b:send",
		"c:halfClose", "a:halfClose", "b:halfClose",
		"b:metadata", "a:metadata", "c:metadata",
		"b:message", "a:message", "c:message",
		"b:status", "a:status", "c:status",
	}
	if diff := cmp.Diff(wantOrder, want); diff != "" {
		t.Fatalf("flat order mismatch (-want +got):\n%s", diff)
	}

	for _, name := range []string{"right", "left", "all", "empty-tail"} {
		t.Run(name, func(t *testing.T) {
			var got []string
			runUnary(t, build(&got)[name])
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("order mismatch (-flat +%s):\n%s", name, diff)
			}
		})
	}
}

func TestBuildCallConfigurationErrors(t *testing.T) {
	m := NewMockTransport()
	nilCall := func(CallOptions, NextCall) Call { return nil }
	cases := map[string]struct {
		factory TransportFactory
		chain   []Interceptor
		shape   Shape
		want    error
		where   string
	}{
		"nil factory":     {factory: nil, want: ErrNilTransportFactory, where: "transport factory"},
		"nil interceptor": {factory: m.Factory(), chain: []Interceptor{tracing("a", new([]string)), nil}, want: ErrNilInterceptor, where: "interceptor[1]"},
		"unknown shape":   {factory: m.Factory(), shape: Shape(9), want: ErrUnknownShape, where: "Shape(9)"},
		"nil call":        {factory: m.Factory(), chain: []Interceptor{nilCall}, want: ErrNilCall},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildCall(tc.factory, tc.chain, tc.shape, CallOptions{})
			require.ErrorIs(t, err, tc.want)
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce))
			if tc.where != "" {
				require.Equal(t, tc.where, ce.Where)
			}
		})
	}
}

func TestChannel(t *testing.T) {
	_, err := NewChannel(nil)
	require.ErrorIs(t, err, ErrNilTransportFactory)
	_, err = NewChannel(NewMockTransport().Factory(), nil)
	require.ErrorIs(t, err, ErrNilInterceptor)

	m := NewMockTransport()
	ch, err := NewChannel(m.Factory(), setHeader("x", "1"))
	require.NoError(t, err)
	call, err := ch.NewCall(BidiStreaming, CallOptions{Method: "/s/M"})
	require.NoError(t, err)
	require.Equal(t, BidiStreaming, call.Shape())
	require.Equal(t, "/s/M", call.Method())
	call.Start(nil, &recorder{})
	require.Equal(t, []string{"1"}, m.Batches()[0].Ops[batch.SendHeaders].(metadata.MD).Get("x"))
}

func TestInterceptorSeesShapeAndContext(t *testing.T) {
	var seen CallOptions
	spy := func(opts CallOptions, next NextCall) Call {
		seen = opts
		return next(opts)
	}
	call, err := BuildCall(NewMockTransport().Factory(), []Interceptor{spy}, ServerStreaming, CallOptions{Method: "/s/M"})
	require.NoError(t, err)
	require.Equal(t, ServerStreaming, seen.Shape)
	require.NotNil(t, seen.Context)
	require.Equal(t, "/s/M", seen.Method)
	require.NotZero(t, call.ID())
}

func TestPeerOverride(t *testing.T) {
	m := NewMockTransport()
	m.PeerAddr = "10.0.0.1:443"
	wrap := func(opts CallOptions, next NextCall) Call {
		return NewInterceptingCall(next(opts), &Requester{
			Peer: func(next func() string) string { return "via:" + next() },
		})
	}
	call, err := BuildCall(m.Factory(), []Interceptor{wrap}, BidiStreaming, CallOptions{})
	require.NoError(t, err)
	require.Equal(t, "via:", call.Peer())
	call.Start(nil, &recorder{})
	require.Equal(t, "via:10.0.0.1:443", call.Peer())
}

// fakeCall records what reaches the end of a hand-built chain.
type fakeCall struct {
	log      []string
	listener *InterceptingListener
}

func (f *fakeCall) Start(md metadata.MD, l ListenerArg) {
	f.listener = link(l, sinkListener)
	f.log = append(f.log, "start:"+formatMD(md))
}
func (f *fakeCall) SendMessage(msg any) { f.log = append(f.log, "send") }
func (f *fakeCall) SendMessageWithContext(sc *StreamContext, msg any) {
	f.log = append(f.log, "send:"+sc.String())
}
func (f *fakeCall) HalfClose() { f.log = append(f.log, "halfClose") }
func (f *fakeCall) RecvMessageWithContext(sc *StreamContext) {
	f.log = append(f.log, "recv:"+sc.String())
}
func (f *fakeCall) Cancel() { f.log = append(f.log, "cancel") }
func (f *fakeCall) CancelWithStatus(code codes.Code, details string) {
	f.log = append(f.log, "cancel:"+code.String())
}
func (f *fakeCall) Peer() string { return "fake" }

func TestInterceptingCallForwardsByDefault(t *testing.T) {
	f := &fakeCall{}
	c := NewInterceptingCall(f, nil)
	sc := &StreamContext{call: 7, seq: 1}

	rec := &recorder{}
	c.Start(metadata.Pairs("k", "v"), &ListenerFuncs{
		OnReceiveStatus: func(st *Status, next func(*Status)) {
			rec.OnReceiveStatus(st)
			next(st)
		},
	})
	c.SendMessage(1)
	c.SendMessageWithContext(sc, 2)
	c.HalfClose()
	c.RecvMessageWithContext(sc)
	c.Cancel()
	c.CancelWithStatus(codes.Aborted, "x")

	want := []string{"start:k=v", "send", "send:stream(7#1)", "halfClose", "recv:stream(7#1)", "cancel", "cancel:Aborted"}
	if diff := cmp.Diff(want, f.log); diff != "" {
		t.Fatalf("forwarded ops mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "fake", c.Peer())

	f.listener.OnReceiveStatus(okStatus())
	require.Equal(t, []string{"status:OK"}, rec.Events())
	require.Equal(t, 2, f.listener.Depth())
}

func TestInterceptingCallWithoutNext(t *testing.T) {
	c := NewInterceptingCall(nil, &Requester{})
	c.Start(nil, nil)
	c.SendMessage(1)
	c.SendMessageWithContext(nil, 1)
	c.HalfClose()
	c.RecvMessageWithContext(nil)
	c.Cancel()
	c.CancelWithStatus(codes.Canceled, "")
	require.Equal(t, "", c.Peer())
}

func TestStreamContextThreadedPastUnawareOverride(t *testing.T) {
	f := &fakeCall{}
	var seen []any
	c := NewInterceptingCall(f, &Requester{
		SendMessage: func(msg any, next func(any)) {
			seen = append(seen, msg)
			next(msg)
		},
	})
	c.SendMessageWithContext(&StreamContext{call: 1, seq: 4}, "m")
	require.Equal(t, []any{"m"}, seen)
	require.Equal(t, []string{"send:stream(1#4)"}, f.log)

	var got []string
	l := &InterceptingListener{
		delegate: &ListenerFuncs{
			OnReceiveMessage: func(msg any, next func(any)) { next(msg.(string) + "!") },
		},
		next: &InterceptingListener{
			delegate: &ListenerFuncs{
				OnReceiveMessageWithContext: func(sc *StreamContext, msg any, _ func(*StreamContext, any)) {
					got = append(got, sc.String()+"="+msg.(string))
				},
			},
		},
	}
	l.OnReceiveMessageWithContext(&StreamContext{call: 1, seq: 5}, "m")
	require.Equal(t, []string{"stream(1#5)=m!"}, got)
}

func TestStartOverrideCanReplaceListener(t *testing.T) {
	f := &fakeCall{}
	var dropped int
	c := NewInterceptingCall(f, &Requester{
		Start: func(md metadata.MD, l *InterceptingListener, next func(metadata.MD, ListenerArg)) {
			next(md, &ListenerFuncs{
				OnReceiveMessage: func(msg any, _ func(any)) { dropped++ },
			})
		},
	})
	rec := &recorder{}
	c.Start(nil, &InterceptingListener{delegate: &ListenerFuncs{
		OnReceiveMessage: func(msg any, next func(any)) { rec.OnReceiveMessage(msg) },
		OnReceiveStatus:  func(st *Status, next func(*Status)) { rec.OnReceiveStatus(st) },
	}})
	f.listener.OnReceiveMessage([]byte("m"))
	f.listener.OnReceiveStatus(okStatus())

	require.Equal(t, 1, dropped)
	require.Equal(t, []string{"status:OK"}, rec.Events())
}

func TestParseMethods(t *testing.T) {
	all, err := ParseMethods()
	require.NoError(t, err)
	require.Equal(t, AllMethods, all)

	s, err := ParseMethods("sendMessage", "ONRECEIVESTATUS", " start ")
	require.NoError(t, err)
	require.True(t, s.Has(MethodSendMessage))
	require.True(t, s.Has(MethodOnReceiveStatus))
	require.True(t, s.Has(MethodStart))
	require.False(t, s.Has(MethodHalfClose))

	_, err = ParseMethods("sendMessage", "sendMesage")
	require.ErrorIs(t, err, ErrUnknownMethod)
	var ce *ConfigurationError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, "sendMesage", ce.Where)
}

func TestShapes(t *testing.T) {
	require.Equal(t, Unary, ShapeOf(false, false))
	require.Equal(t, ClientStreaming, ShapeOf(true, false))
	require.Equal(t, ServerStreaming, ShapeOf(false, true))
	require.Equal(t, BidiStreaming, ShapeOf(true, true))

	s, err := ParseShape("Server-Streaming")
	require.NoError(t, err)
	require.Equal(t, ServerStreaming, s)
	_, err = ParseShape("sideways")
	require.ErrorIs(t, err, ErrUnknownShape)

	require.Equal(t, []Shape{Unary, ClientStreaming, ServerStreaming, BidiStreaming}, Shapes())
	for _, s := range Shapes() {
		defs := s.Definitions()
		require.NotEmpty(t, defs, s.String())
		var dirs [2]int
		for _, d := range defs {
			dirs[d.Direction]++
			require.True(t, d.Required.Contains(d.Trigger))
		}
		require.NotZero(t, dirs[batch.Outbound], s.String())
		require.NotZero(t, dirs[batch.Inbound], s.String())
	}
	require.Nil(t, Shape(9).Definitions())
}
