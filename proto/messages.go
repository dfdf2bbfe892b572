// Package reportpb defines the wire messages and gRPC service contract the
// agent uses to stream detection reports to the collector.
//
// The four message types below are encoded on the wire using real protobuf
// framing (tag/varint/length-delimited, via google.golang.org/protobuf's
// low-level protowire primitives) rather than a protoc-generated
// descriptor-backed proto.Message. See generate.go and DESIGN.md for why:
// this tree has no protoc/protoc-gen-go on its build path, so the
// Marshal/Unmarshal pair below is hand-written against the same wire format
// protoc would have emitted bindings for, keyed by the field numbers in
// alert.proto.
package reportpb

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DetectionReport is one match event: which process was stopped, which
// file was involved, and which pattern and verdict triggered the response.
//
// Wire field numbers (see proto/alert.proto): 1 report_id, 2 host_id,
// 3 pid, 4 comm, 5 path, 6 pattern_name, 7 verdict, 8 timestamp_unix_nanos.
type DetectionReport struct {
	ReportID    string
	HostID      string
	Pid         int32
	Comm        string
	Path        string
	PatternName string
	Verdict     string
	Timestamp   time.Time
}

// Marshal encodes r as a protobuf message.
func (r *DetectionReport) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, r.ReportID)
	b = appendString(b, 2, r.HostID)
	b = appendVarint(b, 3, uint64(uint32(r.Pid)))
	b = appendString(b, 4, r.Comm)
	b = appendString(b, 5, r.Path)
	b = appendString(b, 6, r.PatternName)
	b = appendString(b, 7, r.Verdict)
	b = appendVarint(b, 8, uint64(r.Timestamp.UnixNano()))
	return b, nil
}

// Unmarshal decodes b into r, discarding any unrecognized field.
func (r *DetectionReport) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			r.ReportID = string(v)
		case 2:
			r.HostID = string(v)
		case 3:
			n, _ := protowire.ConsumeVarint(v)
			r.Pid = int32(int32(uint32(n)))
		case 4:
			r.Comm = string(v)
		case 5:
			r.Path = string(v)
		case 6:
			r.PatternName = string(v)
		case 7:
			r.Verdict = string(v)
		case 8:
			n, _ := protowire.ConsumeVarint(v)
			r.Timestamp = time.Unix(0, int64(n)).UTC()
		}
		return nil
	})
}

// ReportAck is the collector's per-report reply on the StreamReports RPC.
// Type is either "ACK" or "ERROR"; Message carries the rejection reason
// when Type is "ERROR".
//
// Wire field numbers: 1 report_id, 2 type, 3 message.
type ReportAck struct {
	ReportID string
	Type     string
	Message  string
}

// Marshal encodes a as a protobuf message.
func (a *ReportAck) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, a.ReportID)
	b = appendString(b, 2, a.Type)
	b = appendString(b, 3, a.Message)
	return b, nil
}

// Unmarshal decodes b into a, discarding any unrecognized field.
func (a *ReportAck) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			a.ReportID = string(v)
		case 2:
			a.Type = string(v)
		case 3:
			a.Message = string(v)
		}
		return nil
	})
}

// RegisterRequest is sent once per connection to obtain a stable host id.
//
// Wire field numbers: 1 hostname, 2 agent_version.
type RegisterRequest struct {
	Hostname     string
	AgentVersion string
}

// Marshal encodes req as a protobuf message.
func (req *RegisterRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, req.Hostname)
	b = appendString(b, 2, req.AgentVersion)
	return b, nil
}

// Unmarshal decodes b into req, discarding any unrecognized field.
func (req *RegisterRequest) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		switch num {
		case 1:
			req.Hostname = string(v)
		case 2:
			req.AgentVersion = string(v)
		}
		return nil
	})
}

// RegisterResponse carries the host id the agent embeds in every
// subsequent DetectionReport.
//
// Wire field numbers: 1 host_id.
type RegisterResponse struct {
	HostID string
}

// Marshal encodes resp as a protobuf message.
func (resp *RegisterResponse) Marshal() ([]byte, error) {
	return appendString(nil, 1, resp.HostID), nil
}

// Unmarshal decodes b into resp, discarding any unrecognized field.
func (resp *RegisterResponse) Unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, v []byte) error {
		if num == 1 {
			resp.HostID = string(v)
		}
		return nil
	})
}

// appendString appends a length-delimited string field at num, skipping it
// entirely when empty — proto3 does not put default-valued fields on the
// wire.
func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// appendVarint appends a varint field at num, skipping it when zero.
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks every top-level field in a protobuf-encoded message,
// invoking fn with the raw bytes of length-delimited/varint fields (varints
// are passed through ConsumeVarint-ready bytes via v itself). Unknown wire
// types are skipped using protowire's own field-skipping logic.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("reportpb: invalid tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			_, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("reportpb: invalid varint field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, b[:n]); err != nil {
				return err
			}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("reportpb: invalid bytes field %d: %w", num, protowire.ParseError(n))
			}
			if err := fn(num, typ, v); err != nil {
				return err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("reportpb: invalid field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
