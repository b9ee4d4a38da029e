package callchain

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"google.golang.org/grpc/metadata"
)

// recorder is an application listener that logs what reaches it.
type recorder struct {
	mu     sync.Mutex
	events []string
	status []*Status
}

func (r *recorder) OnReceiveMetadata(md metadata.MD) { r.add("metadata:" + formatMD(md)) }

func (r *recorder) OnReceiveMessage(msg any) { r.add(fmt.Sprintf("message:%s", msg)) }

func (r *recorder) OnReceiveStatus(st *Status) {
	r.mu.Lock()
	r.status = append(r.status, st)
	r.mu.Unlock()
	r.add("status:" + st.Code.String())
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Statuses() []*Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Status(nil), r.status...)
}

func formatMD(md metadata.MD) string {
	var parts []string
	for k, vs := range md {
		parts = append(parts, k+"="+strings.Join(vs, ","))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

// tracing returns an interceptor that appends "<name>:<event>" to log for
// every outbound operation and inbound event passing through it.
func tracing(name string, log *[]string) Interceptor {
	add := func(e string) { *log = append(*log, name+":"+e) }
	return func(opts CallOptions, next NextCall) Call {
		return NewInterceptingCall(next(opts), &Requester{
			Start: func(md metadata.MD, l *InterceptingListener, next func(metadata.MD, ListenerArg)) {
				add("start")
				next(md, &ListenerFuncs{
					OnReceiveMetadata: func(md metadata.MD, next func(metadata.MD)) {
						add("metadata")
						next(md)
					},
					OnReceiveMessage: func(msg any, next func(any)) {
						add("message")
						next(msg)
					},
					OnReceiveStatus: func(st *Status, next func(*Status)) {
						add("status")
						next(st)
					},
				})
			},
			SendMessage: func(msg any, next func(any)) {
				add("send")
				next(msg)
			},
			HalfClose: func(next func()) {
				add("halfClose")
				next()
			},
		})
	}
}
