package reportpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ReportServiceClient is the client API for the collector's ingest service.
// RegisterAgent obtains a stable host id once per connection; StreamReports
// carries DetectionReports from agent to collector with a per-report ack.
type ReportServiceClient interface {
	RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error)
	StreamReports(ctx context.Context, opts ...grpc.CallOption) (ReportService_StreamReportsClient, error)
}

type reportServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewReportServiceClient wraps cc with the ReportServiceClient API. cc must
// have been dialed with this package registered as its codec subtype (see
// CodecName in codec.go).
func NewReportServiceClient(cc grpc.ClientConnInterface) ReportServiceClient {
	return &reportServiceClient{cc}
}

func (c *reportServiceClient) RegisterAgent(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	out := new(RegisterResponse)
	if err := c.cc.Invoke(ctx, "/sentinel.report.ReportService/RegisterAgent", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *reportServiceClient) StreamReports(ctx context.Context, opts ...grpc.CallOption) (ReportService_StreamReportsClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ReportServiceServiceDesc.Streams[0], "/sentinel.report.ReportService/StreamReports", opts...)
	if err != nil {
		return nil, err
	}
	return &reportServiceStreamReportsClient{stream}, nil
}

// ReportService_StreamReportsClient is the agent side of the StreamReports
// bidirectional stream: send detection reports, receive one ack per report.
type ReportService_StreamReportsClient interface {
	Send(*DetectionReport) error
	Recv() (*ReportAck, error)
	grpc.ClientStream
}

type reportServiceStreamReportsClient struct {
	grpc.ClientStream
}

func (x *reportServiceStreamReportsClient) Send(m *DetectionReport) error {
	return x.ClientStream.SendMsg(m)
}

func (x *reportServiceStreamReportsClient) Recv() (*ReportAck, error) {
	m := new(ReportAck)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReportServiceServer is the server API for the collector's ingest service.
type ReportServiceServer interface {
	RegisterAgent(context.Context, *RegisterRequest) (*RegisterResponse, error)
	StreamReports(ReportService_StreamReportsServer) error
	mustEmbedUnimplementedReportServiceServer()
}

// UnimplementedReportServiceServer must be embedded in every ReportServiceServer
// implementation so that adding a new RPC here does not break existing
// servers at compile time.
type UnimplementedReportServiceServer struct{}

func (UnimplementedReportServiceServer) RegisterAgent(context.Context, *RegisterRequest) (*RegisterResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterAgent not implemented")
}

func (UnimplementedReportServiceServer) StreamReports(ReportService_StreamReportsServer) error {
	return status.Error(codes.Unimplemented, "method StreamReports not implemented")
}

func (UnimplementedReportServiceServer) mustEmbedUnimplementedReportServiceServer() {}

// ReportService_StreamReportsServer is the collector side of the
// StreamReports bidirectional stream.
type ReportService_StreamReportsServer interface {
	Send(*ReportAck) error
	Recv() (*DetectionReport, error)
	grpc.ServerStream
}

type reportServiceStreamReportsServer struct {
	grpc.ServerStream
}

func (x *reportServiceStreamReportsServer) Send(m *ReportAck) error {
	return x.ServerStream.SendMsg(m)
}

func (x *reportServiceStreamReportsServer) Recv() (*DetectionReport, error) {
	m := new(DetectionReport)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterReportServiceServer registers srv with s under the service
// descriptor below. Equivalent to the call protoc-gen-go-grpc would emit.
func RegisterReportServiceServer(s grpc.ServiceRegistrar, srv ReportServiceServer) {
	s.RegisterService(&ReportServiceServiceDesc, srv)
}

func reportServiceRegisterAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReportServiceServer).RegisterAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/sentinel.report.ReportService/RegisterAgent",
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReportServiceServer).RegisterAgent(ctx, req.(*RegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func reportServiceStreamReportsHandler(srv any, stream grpc.ServerStream) error {
	return srv.(ReportServiceServer).StreamReports(&reportServiceStreamReportsServer{stream})
}

// ReportServiceServiceDesc is the grpc.ServiceDesc that would ordinarily be
// emitted by protoc-gen-go-grpc from alert.proto.
var ReportServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: "sentinel.report.ReportService",
	HandlerType: (*ReportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterAgent",
			Handler:    reportServiceRegisterAgentHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamReports",
			Handler:       reportServiceStreamReportsHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "proto/alert.proto",
}
