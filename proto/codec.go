package reportpb

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype this package registers with grpc's
// encoding registry. It is deliberately distinct from grpc's own built-in
// "proto" codec name (reserved for descriptor-backed proto.Message values)
// so registering protoCodec never shadows it; callers opt in per-call via
// grpc.CallContentSubtype(CodecName), which service.go already does for
// every RPC.
const codecName = "sentinelreport"

// wireMessage is implemented by every message type in this package; each
// encodes/decodes itself using the protowire-based wire format defined in
// messages.go.
type wireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// protoCodec is a grpc encoding.Codec that serializes the messages in this
// package with real protobuf wire framing, via each message's own
// Marshal/Unmarshal pair rather than a protoreflect-driven generic encoder —
// this tree has no protoc-generated descriptor to drive one.
type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("reportpb: %T does not implement wireMessage", v)
	}
	return m.Marshal()
}

func (protoCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("reportpb: %T does not implement wireMessage", v)
	}
	return m.Unmarshal(data)
}

func (protoCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(protoCodec{})
}

// CodecName is the registered codec name; pass it to
// grpc.CallContentSubtype when dialing to select this codec per-call.
const CodecName = codecName
