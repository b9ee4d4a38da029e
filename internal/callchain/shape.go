package callchain

import (
	"fmt"
	"strings"

	"github.com/hanpama/callchain/internal/batch"
)

// Shape is the streaming arity of a method.
type Shape uint8

const (
	Unary Shape = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming

	numShapes
)

var shapeNames = [numShapes]string{"unary", "client-streaming", "server-streaming", "bidi-streaming"}

// ShapeOf maps the streaming flags of a method descriptor to a shape.
func ShapeOf(clientStreams, serverStreams bool) Shape {
	switch {
	case clientStreams && serverStreams:
		return BidiStreaming
	case clientStreams:
		return ClientStreaming
	case serverStreams:
		return ServerStreaming
	}
	return Unary
}

// ParseShape resolves a shape name as printed by String.
func ParseShape(name string) (Shape, error) {
	for i, n := range shapeNames {
		if strings.EqualFold(n, name) {
			return Shape(i), nil
		}
	}
	return 0, &ConfigurationError{Where: name, Err: ErrUnknownShape}
}

// Shapes lists every call shape.
func Shapes() []Shape {
	out := make([]Shape, numShapes)
	for i := range out {
		out[i] = Shape(i)
	}
	return out
}

func (s Shape) Valid() bool { return s < numShapes }

func (s Shape) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Shape(%d)", uint8(s))
	}
	return shapeNames[s]
}

func (s Shape) ClientStreams() bool { return s == ClientStreaming || s == BidiStreaming }
func (s Shape) ServerStreams() bool { return s == ServerStreaming || s == BidiStreaming }

// BatchDefinition describes one registry entry of a shape.
type BatchDefinition struct {
	Name      string
	Direction batch.Direction
	Required  batch.OpSet
	Trigger   batch.OpSet
}

// Definitions lists the batch definitions the shape's calls are tracked with.
func (s Shape) Definitions() []BatchDefinition {
	reg := s.registry()
	if reg == nil {
		return nil
	}
	var out []BatchDefinition
	for _, d := range reg.Definitions() {
		dir := batch.Outbound
		if d.Inbound != nil {
			dir = batch.Inbound
		}
		out = append(out, BatchDefinition{Name: d.Name, Direction: dir, Required: d.Required, Trigger: d.Trigger})
	}
	return out
}

func (s Shape) registry() *batch.Registry[*session] {
	if !s.Valid() {
		return nil
	}
	return registries[s]
}

var registries = [numShapes]*batch.Registry[*session]{
	Unary:           unaryRegistry(),
	ClientStreaming: clientStreamingRegistry(),
	ServerStreaming: serverStreamingRegistry(),
	BidiStreaming:   bidiStreamingRegistry(),
}

const (
	sh  = batch.SendHeaders
	sm  = batch.SendMessage
	shc = batch.SendHalfClose
	rh  = batch.RecvHeaders
	rm  = batch.RecvMessage
	rs  = batch.RecvStatus
)

type def = batch.Definition[*session]

// A unary call goes out as one batch once headers, the single message and
// half-close are all in, and reaches the application only once headers,
// message and status are all back.
func unaryRegistry() *batch.Registry[*session] {
	out := batch.Ops(sh, sm, shc)
	in := batch.Ops(rh, rm, rs)
	return batch.NewBuilder[*session]().
		Add(def{Name: "unary", Required: out, Trigger: out, Outbound: func(s *session, v batch.Values) {
			s.issue(batch.Values{sh: v[sh], sm: v[sm], shc: nil, rh: nil, rm: nil, rs: nil})
		}}).
		Add(def{Name: "unary-response", Required: in, Trigger: in, Inbound: (*session).deliverResponse}).
		MustBuild()
}

func clientStreamingRegistry() *batch.Registry[*session] {
	in := batch.Ops(rh, rm, rs)
	return batch.NewBuilder[*session]().
		Add(def{Name: "open", Required: batch.Ops(sh), Trigger: batch.Ops(sh), Outbound: func(s *session, v batch.Values) {
			s.issue(batch.Values{sh: v[sh]})
			s.issue(batch.Values{rh: nil, rm: nil, rs: nil})
		}}).
		Add(def{Name: "half-close", Required: batch.Ops(shc), Trigger: batch.Ops(shc), Outbound: func(s *session, _ batch.Values) {
			s.issue(batch.Values{shc: nil})
		}}).
		Add(def{Name: "response", Required: in, Trigger: in, Inbound: (*session).deliverResponse}).
		MustBuild()
}

func serverStreamingRegistry() *batch.Registry[*session] {
	out := batch.Ops(sh, sm, shc)
	return batch.NewBuilder[*session]().
		Add(def{Name: "open", Required: out, Trigger: out, Outbound: func(s *session, v batch.Values) {
			s.issue(batch.Values{sh: v[sh], sm: v[sm], shc: nil, rh: nil})
			s.issue(batch.Values{rs: nil})
		}}).
		Add(def{Name: "headers", Required: batch.Ops(rh), Trigger: batch.Ops(rh), Inbound: (*session).deliverHeaders}).
		Add(def{Name: "status", Required: batch.Ops(rs), Trigger: batch.Ops(rs), Inbound: (*session).deliverStatus}).
		MustBuild()
}

func bidiStreamingRegistry() *batch.Registry[*session] {
	return batch.NewBuilder[*session]().
		Add(def{Name: "open", Required: batch.Ops(sh), Trigger: batch.Ops(sh), Outbound: func(s *session, v batch.Values) {
			s.issue(batch.Values{sh: v[sh], rh: nil})
			s.issue(batch.Values{rs: nil})
		}}).
		Add(def{Name: "half-close", Required: batch.Ops(shc), Trigger: batch.Ops(shc), Outbound: func(s *session, _ batch.Values) {
			s.issue(batch.Values{shc: nil})
		}}).
		Add(def{Name: "headers", Required: batch.Ops(rh), Trigger: batch.Ops(rh), Inbound: (*session).deliverHeaders}).
		Add(def{Name: "status", Required: batch.Ops(rs), Trigger: batch.Ops(rs), Inbound: (*session).deliverStatus}).
		MustBuild()
}
