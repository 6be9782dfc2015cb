package grpcdg

import (
	"bytes"

	"github.com/ugorji/go/codec"
	"google.golang.org/grpc/encoding"
)

// codecName is registered as a grpc content-subtype, so calls made with
// grpc.CallContentSubtype(codecName) are framed with Msgpack instead of
// protobuf. The datagram messages in package pb are plain tagged structs,
// not protoc-generated proto.Message implementations, so DARE-Go cannot use
// grpc's default "proto" codec; it reuses the same ugorji/go/codec
// dependency the kvs and fsadapter state machines use for snapshots,
// instead of hand-forging protobuf reflection machinery that would only be
// exercised by code this project never runs (see DESIGN.md).
const codecName = "msgpack"

type msgpackCodec struct {
	handle codec.MsgpackHandle
}

func (c *msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &c.handle).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoder(bytes.NewReader(data), &c.handle).Decode(v)
}

func (c *msgpackCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(&msgpackCodec{})
}
