package grpctp

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanpama/callchain/internal/callchain"
)

// Client opens gRPC streams for call chains. It pools connections per
// endpoint and integrates with an EndpointProvider for service discovery.
type Client struct {
	opts *Options

	mu     sync.RWMutex
	pools  map[string]*connPool // key: endpoint
	closed atomic.Bool
}

func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	if len(o.DialOptions) == 0 {
		o.DialOptions = []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig}),
		}
	}
	return &Client{
		opts:  o,
		pools: make(map[string]*connPool),
	}
}

// Factory returns the transport factory to build call chains with.
func (c *Client) Factory() callchain.TransportFactory {
	return func(opts callchain.CallOptions) (callchain.Transport, error) {
		return c.open(opts)
	}
}

func (c *Client) open(opts callchain.CallOptions) (*streamCall, error) {
	if c.closed.Load() {
		return nil, withCode(codes.Unavailable, ErrClosed)
	}
	if c.opts.Provider == nil {
		return nil, withCode(codes.Unavailable, ErrNoProvider)
	}
	service, method, ok := splitMethod(opts.Method)
	if !ok {
		return nil, withCode(codes.InvalidArgument, fmt.Errorf("%w: %q", ErrBadMethod, opts.Method))
	}

	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.opts.RPCTimeout
	if opts.Shape.ServerStreams() {
		timeout = c.opts.StreamTimeout
	}
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); !ok && timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	endpoints, err := c.opts.Provider.Endpoints(ctx, service)
	if err != nil {
		cancel()
		return nil, withCode(codes.Unavailable, err)
	}
	if len(endpoints) == 0 {
		cancel()
		return nil, withCode(codes.Unavailable, ErrNoEndpoints)
	}
	// pick one with shuffle
	endpoint := endpoints[rand.Intn(len(endpoints))]

	cc, err := c.getConn(ctx, endpoint)
	if err != nil {
		cancel()
		return nil, withCode(codes.Unavailable, err)
	}
	return newStreamCall(ctx, cancel, cc, endpoint, service, method, opts.Shape), nil
}

// splitMethod splits "/pkg.Service/Method".
func splitMethod(full string) (service, method string, ok bool) {
	s := strings.TrimPrefix(full, "/")
	i := strings.LastIndex(s, "/")
	if !strings.HasPrefix(full, "/") || i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pools {
		p.close()
	}
	c.pools = map[string]*connPool{}
	return nil
}

// ---------------- internals ----------------

// connPool shares up to size connections to one endpoint. Calls run as
// streams multiplexed over them, picked round robin.
type connPool struct {
	endpoint string
	opts     *Options
	size     int

	mu     sync.Mutex
	conns  []*grpc.ClientConn
	next   int
	closed bool
}

func newConnPool(endpoint string, opts *Options) *connPool {
	n := opts.MaxConnsPerEndpoint
	if n <= 0 {
		n = 2
	}
	return &connPool{
		endpoint: endpoint,
		opts:     opts,
		size:     n,
	}
}

func (p *connPool) get(ctx context.Context) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.conns) < p.size {
		// Dialing does not block; the connection is established on first use.
		cc, err := grpc.DialContext(ctx, p.endpoint, p.opts.DialOptions...)
		if err != nil {
			return nil, err
		}
		p.conns = append(p.conns, cc)
		return cc, nil
	}
	cc := p.conns[p.next%len(p.conns)]
	p.next++
	return cc, nil
}

// close closes every connection. Streams still open on them end with an
// error status.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, cc := range p.conns {
		_ = cc.Close()
	}
	p.conns = nil
}

func (p *connPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (c *Client) getConn(ctx context.Context, endpoint string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	pool := c.pools[endpoint]
	c.mu.RUnlock()
	if pool == nil {
		c.mu.Lock()
		if c.closed.Load() {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		pool = c.pools[endpoint]
		if pool == nil {
			pool = newConnPool(endpoint, c.opts)
			c.pools[endpoint] = pool
		}
		c.mu.Unlock()
	}
	return pool.get(ctx)
}
