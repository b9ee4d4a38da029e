package callid

import (
	"context"
	"sync/atomic"
)

// key is the context key for the call ID.
type key struct{}

var last atomic.Int64

// NewContext returns a copy of parent carrying a new call ID, unique within
// the process. It also returns the ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := last.Add(1)
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the call ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(key{}).(int64)
	return id, ok
}
