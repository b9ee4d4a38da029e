package grpctp

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/hanpama/callchain/internal/callchain"
	"github.com/hanpama/callchain/internal/echoserver"
	"github.com/hanpama/callchain/internal/methods"
)

type harness struct {
	client  *Client
	catalog *methods.Catalog
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, err := echoserver.New(nil)
	require.NoError(t, err)
	gs := srv.GRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	dial := []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	opts = append([]Option{WithProvider(SingleEndpoint("bufnet")), WithDialOptions(dial...)}, opts...)
	c := New(opts...)
	t.Cleanup(func() { _ = c.Close() })

	cat, err := methods.EchoCatalog()
	require.NoError(t, err)
	return &harness{client: c, catalog: cat}
}

// result collects what reaches the application listener.
type result struct {
	mu       sync.Mutex
	headers  metadata.MD
	messages []string
	status   *callchain.Status
}

func (r *result) OnReceiveMetadata(md metadata.MD) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = md
}

func (r *result) OnReceiveMessage(msg any) {
	m := msg.(proto.Message).ProtoReflect()
	text := m.Get(m.Descriptor().Fields().ByName("text")).String()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, text)
}

func (r *result) OnReceiveStatus(st *callchain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = st
}

func (h *harness) call(t *testing.T, ctx context.Context, name string) (*callchain.ClientCall, methods.Method, *result) {
	t.Helper()
	m, err := h.catalog.Find(name)
	require.NoError(t, err)
	call, err := callchain.BuildCall(h.client.Factory(), nil, m.Shape, m.CallOptions(ctx))
	require.NoError(t, err)
	r := &result{}
	call.Start(metadata.Pairs("x-test", t.Name()), r)
	return call, m, r
}

func request(t *testing.T, m methods.Method, text string) proto.Message {
	t.Helper()
	in, err := m.ParseInput(nil)
	require.NoError(t, err)
	msg := in.ProtoReflect()
	msg.Set(msg.Descriptor().Fields().ByName("text"), protoreflect.ValueOfString(text))
	return in
}

func wait(t *testing.T, call *callchain.ClientCall) {
	t.Helper()
	select {
	case <-call.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("call did not finish")
	}
}

func TestUnary(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Say")
	call.SendMessage(request(t, m, "hello"))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.OK, r.status.Code, r.status.Details)
	require.Equal(t, []string{"hello"}, r.messages)
	require.Equal(t, []string{"Say"}, r.headers.Get("x-echo-method"))
	require.Equal(t, []string{"1"}, r.status.Metadata.Get("x-echo-count"))
	require.NotEmpty(t, call.Peer())
}

func TestServerStreaming(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Expand")
	call.SendMessage(request(t, m, "one two three"))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.OK, r.status.Code, r.status.Details)
	if diff := cmp.Diff([]string{"one", "two", "three"}, r.messages); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"3"}, r.status.Metadata.Get("x-echo-count"))
}

func TestClientStreaming(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Collect")
	for _, w := range []string{"a", "b", "c"} {
		call.SendMessage(request(t, m, w))
	}
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.OK, r.status.Code, r.status.Details)
	require.Equal(t, []string{"a b c"}, r.messages)
}

func TestBidiStreaming(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Chat")
	call.SendMessage(request(t, m, "ping"))
	call.SendMessage(request(t, m, "pong"))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.OK, r.status.Code, r.status.Details)
	require.Equal(t, []string{"ping", "pong"}, r.messages)
}

func TestServerError(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Say")
	call.SendMessage(request(t, m, echoserver.FailPrefix+"9"))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.FailedPrecondition, r.status.Code)
	require.Equal(t, "failure requested", r.status.Details)
	require.Empty(t, r.messages)
}

func TestCancelWithStatus(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Chat")
	call.SendMessage(request(t, m, echoserver.Hang))
	call.CancelWithStatus(codes.Aborted, "gave up")
	wait(t, call)

	require.Equal(t, codes.Aborted, r.status.Code)
	require.Equal(t, "gave up", r.status.Details)
}

func TestDeadline(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	call, m, r := h.call(t, ctx, "callchain.echo.Echo/Say")
	call.SendMessage(request(t, m, echoserver.Hang))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.DeadlineExceeded, r.status.Code)
}

func TestDefaultRPCTimeout(t *testing.T) {
	h := newHarness(t, WithRPCTimeout(50*time.Millisecond))
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Say")
	call.SendMessage(request(t, m, echoserver.Hang))
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.DeadlineExceeded, r.status.Code)
}

func TestNoEndpoints(t *testing.T) {
	c := New(WithProvider(NewStaticEndpoints(map[string][]string{"other.Svc": {"x:1"}})))
	defer c.Close()
	call, err := callchain.BuildCall(c.Factory(), nil, callchain.Unary, callchain.CallOptions{Method: "/callchain.echo.Echo/Say"})
	require.NoError(t, err)
	r := &result{}
	call.Start(nil, r)
	call.SendMessage([]byte{})
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.Unavailable, r.status.Code)
	require.Contains(t, r.status.Details, ErrNoEndpoints.Error())
}

func TestOpenErrors(t *testing.T) {
	_, err := New().open(callchain.CallOptions{Method: "/a.B/C"})
	require.ErrorIs(t, err, ErrNoProvider)

	c := New(WithProvider(SingleEndpoint("x:1")))
	_, err = c.open(callchain.CallOptions{Method: "a.B.C"})
	require.ErrorIs(t, err, ErrBadMethod)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.open(callchain.CallOptions{Method: "/a.B/C"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][3]string{
		"/pkg.Svc/Do": {"pkg.Svc", "Do", "ok"},
		"pkg.Svc/Do":  {"", "", ""},
		"/pkg.Svc/":   {"", "", ""},
		"/Do":         {"", "", ""},
	}
	for in, want := range cases {
		svc, m, ok := splitMethod(in)
		got := [3]string{svc, m, ""}
		if ok {
			got[2] = "ok"
		}
		require.Equal(t, want, got, in)
	}
}

func TestStaticEndpoints(t *testing.T) {
	p := NewStaticEndpoints(map[string][]string{"a.Svc": {"a:1"}, AnyService: {"any:1"}})
	got, err := p.Endpoints(context.Background(), "a.Svc")
	require.NoError(t, err)
	require.Equal(t, []string{"a:1"}, got)
	got, err = p.Endpoints(context.Background(), "b.Svc")
	require.NoError(t, err)
	require.Equal(t, []string{"any:1"}, got)

	p.Set("b.Svc", "b:1", "b:2")
	got, err = p.Endpoints(context.Background(), "b.Svc")
	require.NoError(t, err)
	require.Equal(t, []string{"b:1", "b:2"}, got)

	_, err = NewStaticEndpoints(nil).Endpoints(context.Background(), "a.Svc")
	require.ErrorIs(t, err, ErrNoEndpoints)
}

func TestRawCodec(t *testing.T) {
	var c rawCodec
	b, err := c.Marshal([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, []byte("x"), b)
	var out []byte
	require.NoError(t, c.Unmarshal([]byte{}, &out))
	require.NotNil(t, out)
	_, err = c.Marshal("x")
	require.Error(t, err)
	require.Error(t, c.Unmarshal(nil, &b[0]))
}

func TestLaneRunsInOrder(t *testing.T) {
	var l lane
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		l.run(func() {
			mu.Lock()
			got = append(got, i)
			n := len(got)
			mu.Unlock()
			if n == 100 {
				close(done)
			}
		})
	}
	<-done
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestUnknownServiceIsUnimplemented(t *testing.T) {
	h := newHarness(t)
	call, err := callchain.BuildCall(h.client.Factory(), nil, callchain.Unary, callchain.CallOptions{Method: "/other.Svc/Do"})
	require.NoError(t, err)
	var st *callchain.Status
	call.Start(nil, callchain.ListenerHandlers{Status: func(s *callchain.Status) { st = s }})
	call.SendMessage([]byte{})
	call.HalfClose()
	wait(t, call)

	require.Equal(t, codes.Unimplemented, st.Code)
	require.Equal(t, codes.Unimplemented, call.Status().Code)
}

func TestCloseDuringCall(t *testing.T) {
	h := newHarness(t)
	call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Chat")
	call.SendMessage(request(t, m, echoserver.Hang))
	require.Eventually(t, func() bool { return call.Peer() != "" }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.Close())
	wait(t, call)
	require.NotEqual(t, codes.OK, r.status.Code)

	_, err := h.client.open(callchain.CallOptions{Method: "/callchain.echo.Echo/Say"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestConcurrentCallsShareConnections(t *testing.T) {
	h := newHarness(t, WithMaxConnsPerEndpoint(1))
	var wg sync.WaitGroup
	calls := make([]*callchain.ClientCall, 8)
	results := make([]*result, len(calls))
	for i := range calls {
		call, m, r := h.call(t, context.Background(), "callchain.echo.Echo/Say")
		calls[i], results[i] = call, r
		msg := request(t, m, "hi")
		wg.Add(1)
		go func() {
			defer wg.Done()
			call.SendMessage(msg)
			call.HalfClose()
		}()
	}
	wg.Wait()

	for i, call := range calls {
		wait(t, call)
		require.Equal(t, codes.OK, results[i].status.Code, results[i].status.Details)
	}
	h.client.mu.RLock()
	pool := h.client.pools["bufnet"]
	h.client.mu.RUnlock()
	require.NotNil(t, pool)
	require.Equal(t, 1, pool.count())
}
