package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

// Protobuf encodes generated messages. Construct with NewProtobuf; the zero
// value cannot decode.
type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message (e.g., func() *pb.Task { return &pb.Task{} })
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}

func (c Protobuf[T]) Decode(b []byte) (T, error) {
	if c.new == nil {
		var zero T
		return zero, errors.New("codec: protobuf constructor not set")
	}
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

func (Protobuf[T]) ContentType() string { return "application/x-protobuf" }
