package callchain

import (
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/hanpama/callchain/internal/batch"
)

// MockBatch is one StartBatch invocation captured by MockTransport.
type MockBatch struct {
	// Ops are the requested operations and their payloads.
	Ops batch.Values

	m    *MockTransport
	cb   BatchCallback
	done bool
}

// Complete resolves the batch with res. Completing twice is a no-op.
func (b *MockBatch) Complete(res batch.Values) {
	if !b.m.take(b) {
		return
	}
	b.cb(res, nil)
}

// Fail resolves the batch with a transport error.
func (b *MockBatch) Fail(err error) {
	if !b.m.take(b) {
		return
	}
	b.cb(nil, err)
}

// Done reports whether the batch has been resolved.
func (b *MockBatch) Done() bool {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	return b.done
}

// MockTransport implements Transport. It records every batch and leaves it
// pending until the test resolves it, unless Respond is set.
type MockTransport struct {
	// Respond, if set, is invoked for every new batch, outside the lock.
	Respond func(b *MockBatch)
	// PeerAddr is returned by Peer.
	PeerAddr string

	mu        sync.Mutex
	batches   []*MockBatch
	created   int
	cancels   int
	cancelled *Status
}

var _ Transport = (*MockTransport)(nil)

// NewMockTransport creates an idle MockTransport.
func NewMockTransport() *MockTransport { return &MockTransport{PeerAddr: "mock"} }

// Factory returns a TransportFactory that always hands out m.
func (m *MockTransport) Factory() TransportFactory {
	return func(CallOptions) (Transport, error) {
		m.mu.Lock()
		m.created++
		m.mu.Unlock()
		return m, nil
	}
}

// StartBatch records the batch.
func (m *MockTransport) StartBatch(ops batch.Values, cb BatchCallback) {
	b := &MockBatch{Ops: ops, m: m, cb: cb}
	m.mu.Lock()
	m.batches = append(m.batches, b)
	respond := m.Respond
	m.mu.Unlock()
	if respond != nil {
		respond(b)
	}
}

// Cancel resolves every pending batch that asked for a status with CANCELLED.
func (m *MockTransport) Cancel() {
	m.CancelWithStatus(codes.Canceled, "cancelled")
}

// CancelWithStatus resolves every pending batch that asked for a status with
// code and details.
func (m *MockTransport) CancelWithStatus(code codes.Code, details string) {
	st := &Status{Code: code, Details: details, Metadata: metadata.MD{}}
	m.mu.Lock()
	m.cancels++
	m.cancelled = st
	var pending []*MockBatch
	for _, b := range m.batches {
		if _, ok := b.Ops[batch.RecvStatus]; ok && !b.done {
			pending = append(pending, b)
		}
	}
	m.mu.Unlock()
	for _, b := range pending {
		res := batch.Values{batch.RecvStatus: st}
		if _, ok := b.Ops[batch.RecvHeaders]; ok {
			res[batch.RecvHeaders] = metadata.MD{}
		}
		if _, ok := b.Ops[batch.RecvMessage]; ok {
			res[batch.RecvMessage] = nil
		}
		b.Complete(res)
	}
}

func (m *MockTransport) Peer() string { return m.PeerAddr }

func (m *MockTransport) take(b *MockBatch) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.done {
		return false
	}
	b.done = true
	return true
}

// Batches returns every batch started so far, in order.
func (m *MockTransport) Batches() []*MockBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockBatch(nil), m.batches...)
}

// OpSets returns the operation set of every batch started so far.
func (m *MockTransport) OpSets() []batch.OpSet {
	var out []batch.OpSet
	for _, b := range m.Batches() {
		out = append(out, b.Ops.Ops())
	}
	return out
}

// Pending returns the oldest unresolved batch that contains op.
func (m *MockTransport) Pending(op batch.Op) (*MockBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.batches {
		if _, ok := b.Ops[op]; ok && !b.done {
			return b, nil
		}
	}
	return nil, fmt.Errorf("mock transport: no pending batch with %s", op)
}

// Created reports how many times the factory was invoked.
func (m *MockTransport) Created() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// Cancels reports how many times the transport was cancelled.
func (m *MockTransport) Cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancels
}

// CancelStatus returns the status of the last cancellation, or nil.
func (m *MockTransport) CancelStatus() *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// RespondUnary returns a Respond hook that answers the response batch of a
// unary or client-streaming call with headers, reply and st. Other batches
// succeed with empty results.
func RespondUnary(headers metadata.MD, reply []byte, st *Status) func(*MockBatch) {
	return func(b *MockBatch) {
		if _, ok := b.Ops[batch.RecvStatus]; !ok {
			b.Complete(batch.Values{})
			return
		}
		res := batch.Values{batch.RecvStatus: st}
		if _, ok := b.Ops[batch.RecvHeaders]; ok {
			res[batch.RecvHeaders] = headers
		}
		if _, ok := b.Ops[batch.RecvMessage]; ok {
			res[batch.RecvMessage] = reply
		}
		b.Complete(res)
	}
}
