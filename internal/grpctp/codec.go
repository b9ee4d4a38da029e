package grpctp

import "fmt"

// rawCodec moves already-serialized messages. It registers under the proto
// content-subtype so servers decode the bytes with their own proto codec.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("grpctp: cannot marshal %T", v)
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("grpctp: cannot unmarshal into %T", v)
	}
	*b = append([]byte{}, data...)
	return nil
}
