// This package's wire format is defined by alert.proto in this directory.
// There is no protoc/protoc-gen-go on this repository's build path, so
// messages.go implements that schema's encoding by hand against
// google.golang.org/protobuf's protowire primitives instead of via
// generated descriptor-backed bindings; service.go implements the
// corresponding grpc.ServiceDesc by hand for the same reason. Keep
// alert.proto, messages.go, and service.go in sync when the wire contract
// changes — see DESIGN.md for the full reasoning.
package reportpb
