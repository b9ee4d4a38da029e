package methods

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/hanpama/callchain/internal/callchain"
)

var (
	// ErrNotProto is returned when a message is not a proto.Message.
	ErrNotProto = errors.New("methods: not a proto message")
	// ErrWrongType is returned when a message does not match the method's input type.
	ErrWrongType = errors.New("methods: message type mismatch")
	// ErrNotFound is returned by Catalog.Find for unknown methods.
	ErrNotFound = errors.New("methods: method not found")
)

// Method is a callable method: its wire name, shape and descriptor.
type Method struct {
	// FullName is "/<service full name>/<method>".
	FullName string
	Shape    callchain.Shape
	Desc     protoreflect.MethodDescriptor
}

// FullMethodName returns the wire name of md.
func FullMethodName(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}

// Describe derives the call shape and wire name of md.
func Describe(md protoreflect.MethodDescriptor) Method {
	return Method{
		FullName: FullMethodName(md),
		Shape:    callchain.ShapeOf(md.IsStreamingClient(), md.IsStreamingServer()),
		Desc:     md,
	}
}

// CallOptions returns options that marshal the method's input messages and
// unmarshal its outputs into dynamic messages.
func (m Method) CallOptions(ctx context.Context) callchain.CallOptions {
	return callchain.CallOptions{
		Context:     ctx,
		Method:      m.FullName,
		Shape:       m.Shape,
		Serialize:   m.Serialize,
		Deserialize: m.Deserialize,
	}
}

// Serialize marshals msg, which must be a message of the method's input type.
func (m Method) Serialize(msg any) ([]byte, error) {
	pm, ok := msg.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProto, msg)
	}
	in := m.Desc.Input().FullName()
	if got := pm.ProtoReflect().Descriptor().FullName(); got != in {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongType, got, in)
	}
	return proto.Marshal(pm)
}

// Deserialize unmarshals b into a new dynamic message of the output type.
func (m Method) Deserialize(b []byte) (any, error) {
	out := dynamicpb.NewMessage(m.Desc.Output())
	if err := proto.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseInput reads a JSON document into a new message of the input type.
func (m Method) ParseInput(js []byte) (proto.Message, error) {
	in := dynamicpb.NewMessage(m.Desc.Input())
	if len(js) == 0 {
		return in, nil
	}
	if err := protojson.Unmarshal(js, in); err != nil {
		return nil, err
	}
	return in, nil
}

// FormatJSON renders msg in the proto JSON mapping.
func FormatJSON(msg any) (string, error) {
	pm, ok := msg.(proto.Message)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNotProto, msg)
	}
	b, err := protojson.MarshalOptions{EmitUnpopulated: true}.Marshal(pm)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
