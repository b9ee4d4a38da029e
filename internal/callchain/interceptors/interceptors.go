// Package interceptors holds ready-made interceptors.
package interceptors

import (
	"context"
	"errors"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/callchain"
)

// ErrOddMetadata is reported when Metadata gets a key without a value.
var ErrOddMetadata = errors.New("interceptors: odd number of metadata key/value strings")

// Metadata adds the key/value pairs to the outbound headers of every call.
func Metadata(kv ...string) (callchain.Interceptor, error) {
	if len(kv)%2 == 1 {
		return nil, &callchain.ConfigurationError{Where: kv[len(kv)-1], Err: ErrOddMetadata}
	}
	add := metadata.Pairs(kv...)
	return func(opts callchain.CallOptions, next callchain.NextCall) callchain.Call {
		return callchain.NewInterceptingCall(next(opts), &callchain.Requester{
			Start: func(md metadata.MD, l *callchain.InterceptingListener, next func(metadata.MD, callchain.ListenerArg)) {
				next(metadata.Join(md, add), l)
			},
		})
	}, nil
}

// Reject ends every call at start with code and details. Nothing reaches the
// transport.
func Reject(code codes.Code, details string) callchain.Interceptor {
	return func(opts callchain.CallOptions, next callchain.NextCall) callchain.Call {
		return callchain.NewInterceptingCall(next(opts), &callchain.Requester{
			Start: func(_ metadata.MD, l *callchain.InterceptingListener, _ func(metadata.MD, callchain.ListenerArg)) {
				l.OnReceiveStatus(&callchain.Status{Code: code, Details: details, Metadata: metadata.MD{}})
			},
		})
	}
}

// Timeout bounds every call by d. The deadline is enforced by the transport
// through the call context and counts from when the call is built, not from
// Start. Its timer is released once the status passes back through, or when
// it fires for a call that is never started.
func Timeout(d time.Duration) callchain.Interceptor {
	return func(opts callchain.CallOptions, next callchain.NextCall) callchain.Call {
		parent := opts.Context
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithTimeout(parent, d)
		opts.Context = ctx
		return callchain.NewInterceptingCall(next(opts), &callchain.Requester{
			Start: func(md metadata.MD, l *callchain.InterceptingListener, next func(metadata.MD, callchain.ListenerArg)) {
				next(md, &callchain.ListenerFuncs{
					OnReceiveStatus: func(st *callchain.Status, next func(*callchain.Status)) {
						cancel()
						next(st)
					},
				})
			},
		})
	}
}

// Probe logs the selected surface methods of every call to logger and
// forwards them unchanged. An empty method list logs everything. Unknown
// method names are a configuration error.
func Probe(logger *log.Logger, methods ...string) (callchain.Interceptor, error) {
	set, err := callchain.ParseMethods(methods...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return func(opts callchain.CallOptions, next callchain.NextCall) callchain.Call {
		p := &probe{logger: logger, set: set, method: opts.Method}
		return callchain.NewInterceptingCall(next(opts), p.requester())
	}, nil
}

type probe struct {
	logger *log.Logger
	set    callchain.MethodSet
	method string
}

func (p *probe) logf(m callchain.Method, format string, args ...any) {
	if !p.set.Has(m) {
		return
	}
	p.logger.Printf("%s %s "+format, append([]any{p.method, m}, args...)...)
}

func (p *probe) requester() *callchain.Requester {
	return &callchain.Requester{
		Start: func(md metadata.MD, l *callchain.InterceptingListener, next func(metadata.MD, callchain.ListenerArg)) {
			p.logf(callchain.MethodStart, "headers=%d", md.Len())
			next(md, p.listener())
		},
		SendMessage: func(msg any, next func(any)) {
			p.logf(callchain.MethodSendMessage, "%T", msg)
			next(msg)
		},
		SendMessageWithContext: func(sc *callchain.StreamContext, msg any, next func(*callchain.StreamContext, any)) {
			p.logf(callchain.MethodSendMessageWithContext, "%v %T", sc, msg)
			next(sc, msg)
		},
		HalfClose: func(next func()) {
			p.logf(callchain.MethodHalfClose, "")
			next()
		},
		RecvMessageWithContext: func(sc *callchain.StreamContext, next func(*callchain.StreamContext)) {
			p.logf(callchain.MethodRecvMessageWithContext, "%v", sc)
			next(sc)
		},
		Cancel: func(next func()) {
			p.logf(callchain.MethodCancel, "")
			next()
		},
		CancelWithStatus: func(code codes.Code, details string, next func(codes.Code, string)) {
			p.logf(callchain.MethodCancelWithStatus, "%s %q", code, details)
			next(code, details)
		},
		Peer: func(next func() string) string {
			peer := next()
			p.logf(callchain.MethodGetPeer, "%s", peer)
			return peer
		},
	}
}

func (p *probe) listener() *callchain.ListenerFuncs {
	return &callchain.ListenerFuncs{
		OnReceiveMetadata: func(md metadata.MD, next func(metadata.MD)) {
			p.logf(callchain.MethodOnReceiveMetadata, "headers=%d", md.Len())
			next(md)
		},
		OnReceiveMessage: func(msg any, next func(any)) {
			p.logf(callchain.MethodOnReceiveMessage, "%T", msg)
			next(msg)
		},
		OnReceiveMessageWithContext: func(sc *callchain.StreamContext, msg any, next func(*callchain.StreamContext, any)) {
			p.logf(callchain.MethodOnReceiveMessageWithContext, "%v %T", sc, msg)
			next(sc, msg)
		},
		OnReceiveStatus: func(st *callchain.Status, next func(*callchain.Status)) {
			p.logf(callchain.MethodOnReceiveStatus, "%v", st)
			next(st)
		},
	}
}
