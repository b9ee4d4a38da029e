package callchain

import "fmt"

// StreamContext correlates one streamed send or receive with its completion.
// It is opaque to interceptors and must be passed to next unchanged.
// Interceptors that only override SendMessage or OnReceiveMessage never see
// it; the chain threads it past them.
type StreamContext struct {
	call int64
	seq  uint64
}

// Seq is the position of this exchange among the call's streamed exchanges.
func (sc *StreamContext) Seq() uint64 {
	if sc == nil {
		return 0
	}
	return sc.seq
}

func (sc *StreamContext) String() string {
	if sc == nil {
		return "stream(<nil>)"
	}
	return fmt.Sprintf("stream(%d#%d)", sc.call, sc.seq)
}
