package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	reportpb "github.com/sentinelfs/sentinel/proto"
)

// Config holds the listener and mTLS settings for the collector's gRPC
// ingestion endpoint.
type Config struct {
	// Addr is the TCP address to listen on, e.g. ":4443".
	Addr string

	// CertPath/KeyPath are the PEM-encoded server identity used to terminate
	// TLS connections from agents.
	CertPath string
	KeyPath  string

	// CAPath is the PEM-encoded CA bundle used to verify agent client
	// certificates. Client certificates are required.
	CAPath string
}

// Server wraps a grpc.Server bound to a mutually-authenticated TLS listener.
type Server struct {
	grpcSrv  *grpc.Server
	listener net.Listener
	logger   *slog.Logger
}

// New creates a Server listening on cfg.Addr with mTLS configured from the
// certificate paths in cfg, and registers srv as the ReportService
// implementation.
func New(cfg Config, logger *slog.Logger, srv reportpb.ReportServiceServer) (*Server, error) {
	creds, err := serverCredentials(cfg)
	if err != nil {
		return nil, fmt.Errorf("server credentials: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	grpcSrv := grpc.NewServer(grpc.Creds(creds))
	reportpb.RegisterReportServiceServer(grpcSrv, srv)

	return &Server{grpcSrv: grpcSrv, listener: lis, logger: logger}, nil
}

// serverCredentials loads the server's identity certificate and the CA pool
// used to verify agent client certificates, requiring and verifying a client
// cert on every connection (mTLS).
func serverCredentials(cfg Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no valid certificates found in %s", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsCfg), nil
}

// Serve blocks accepting connections until ctx is canceled, at which point it
// initiates a graceful stop and returns nil.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcSrv.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.grpcSrv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates the server, dropping any in-flight streams.
func (s *Server) Stop() {
	s.grpcSrv.Stop()
}
