// Package grpc implements the collector's gRPC report ingestion service. The
// ReportService handles two RPCs:
//
//   - RegisterAgent  — records or updates the agent's host identity.
//   - StreamReports  — receives a stream of DetectionReports, validates each
//     one, persists valid reports to PostgreSQL, and fans every successfully
//     persisted report to the WebSocket broadcaster so connected browser
//     clients receive real-time updates.
//
// Broadcaster fan-out is performed with a non-blocking send so that a slow or
// disconnected WebSocket consumer never applies back-pressure to the gRPC
// stream goroutine.
package grpc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	reportpb "github.com/sentinelfs/sentinel/proto"
	"github.com/sentinelfs/sentinel/internal/server/storage"
	"github.com/sentinelfs/sentinel/internal/server/websocket"
)

// Store is the subset of the storage layer used by ReportService.
type Store interface {
	// UpsertHost inserts or updates a host record and returns the effective
	// host_id persisted in the database. On a first insert the supplied
	// h.HostID is stored and returned; on a hostname conflict the
	// pre-existing host_id is returned unchanged, giving callers a stable
	// identifier across agent reconnects.
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
	BatchInsertReports(ctx context.Context, r storage.Report) error
}

// Broadcaster is the subset of the websocket.Broadcaster interface used by
// ReportService. Declaring a local interface (rather than importing the
// concrete type) makes the service trivially testable with a stub.
type Broadcaster interface {
	Publish(r storage.Report)
}

// ReportService implements reportpb.ReportServiceServer. It validates incoming
// detection reports, persists them to PostgreSQL, and publishes each
// persisted report to the WebSocket broadcaster for real-time browser
// delivery.
type ReportService struct {
	reportpb.UnimplementedReportServiceServer

	store       Store
	broadcaster Broadcaster
	logger      *slog.Logger

	// maxReportAgeSecs is the maximum age of a reported event relative to
	// the server clock. Reports older than this are rejected as stale.
	maxReportAgeSecs int64
}

// NewReportService creates a ReportService.
//
//   - store must be an open, ready-to-use storage.Store (or a test stub).
//   - broadcaster must be a running websocket.Broadcaster (or a test stub).
//   - logger is used for structured per-report logging.
//   - maxReportAgeSecs is the tolerated clock skew window; <=0 uses the
//     default of 300 seconds (5 minutes).
func NewReportService(store Store, broadcaster Broadcaster, logger *slog.Logger, maxReportAgeSecs int64) *ReportService {
	if maxReportAgeSecs <= 0 {
		maxReportAgeSecs = 300
	}
	return &ReportService{
		store:            store,
		broadcaster:      broadcaster,
		logger:           logger,
		maxReportAgeSecs: maxReportAgeSecs,
	}
}

// RegisterAgent implements reportpb.ReportServiceServer.RegisterAgent.
//
// It upserts a Host record in the database, deriving the hostname from the
// mTLS client-certificate CN when available, falling back to the hostname
// field in the request.
func (s *ReportService) RegisterAgent(ctx context.Context, req *reportpb.RegisterRequest) (*reportpb.RegisterResponse, error) {
	hostname := req.Hostname

	// Prefer the CN embedded in the client certificate over the self-reported
	// hostname so that identity is tied to the PKI, not the agent's claim.
	if cn := certCN(ctx); cn != "" {
		hostname = cn
	}

	if hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "register_agent: hostname must not be empty")
	}

	now := time.Now().UTC()
	// Generate a candidate UUID for new registrations. UpsertHost uses
	// ON CONFLICT (hostname) DO UPDATE ... RETURNING host_id, so if a host
	// with the same hostname already exists the DB returns the pre-existing
	// UUID and candidateID is discarded. This guarantees that every agent
	// reconnect receives the same stable host_id, preserving report
	// correlation across disconnects.
	candidateID := uuid.NewString()
	host := storage.Host{
		HostID:       candidateID,
		Hostname:     hostname,
		AgentVersion: req.AgentVersion,
		LastSeen:     &now,
		Status:       storage.HostStatusOnline,
	}

	effectiveHostID, err := s.store.UpsertHost(ctx, host)
	if err != nil {
		s.logger.Error("register_agent: upsert host failed",
			slog.String("hostname", hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register_agent: store: %v", err)
	}

	s.logger.Info("agent registered",
		slog.String("host_id", effectiveHostID),
		slog.String("hostname", hostname),
	)

	return &reportpb.RegisterResponse{HostID: effectiveHostID}, nil
}

// StreamReports implements reportpb.ReportServiceServer.StreamReports.
//
// The method reads DetectionReport messages from the client stream until EOF
// or context cancellation. For each valid report it:
//  1. Validates required fields and timestamp bounds.
//  2. Persists the report via store.BatchInsertReports (batched).
//  3. Publishes the report to the WebSocket broadcaster using a non-blocking
//     send so slow or disconnected clients cannot stall this goroutine.
//  4. Sends an ACK back to the agent.
//
// Invalid reports receive an error ACK and are not written to the database.
func (s *ReportService) StreamReports(stream reportpb.ReportService_StreamReportsServer) error {
	ctx := stream.Context()

	for {
		rep, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			// Stream closed by the client or network error.
			return err
		}

		report, validationErr := s.validateAndConvert(rep)
		if validationErr != nil {
			s.logger.Warn("stream_reports: invalid report rejected",
				slog.String("report_id", rep.ReportID),
				slog.String("reason", validationErr.Error()),
			)
			if sendErr := stream.Send(errorACK(rep.ReportID, validationErr)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Persist to PostgreSQL (batched; flushes on size or on interval).
		if err := s.store.BatchInsertReports(ctx, *report); err != nil {
			s.logger.Error("stream_reports: persist report failed",
				slog.String("report_id", report.ReportID),
				slog.Any("error", err),
			)
			if sendErr := stream.Send(errorACK(rep.ReportID, err)); sendErr != nil {
				return sendErr
			}
			continue
		}

		// Fan the persisted report to all connected WebSocket subscribers.
		// This is a non-blocking call: the Broadcaster uses a select/default
		// so a stalled subscriber never blocks this goroutine.
		s.broadcaster.Publish(*report)

		s.logger.Info("stream_reports: report persisted and broadcast",
			slog.String("report_id", report.ReportID),
			slog.String("host_id", report.HostID),
			slog.String("pattern_name", report.PatternName),
			slog.String("verdict", string(report.Verdict)),
		)

		if sendErr := stream.Send(ackCommand(report.ReportID)); sendErr != nil {
			return sendErr
		}
	}
}

// validateAndConvert checks that rep carries all required fields and
// converts it to a storage.Report ready for insertion.
//
// Validation rules:
//   - report_id, host_id, pattern_name, comm, path must be non-empty.
//   - timestamp must be within [now - maxReportAgeSecs, now + 60s].
//   - verdict must be "kill" or "stop".
func (s *ReportService) validateAndConvert(rep *reportpb.DetectionReport) (*storage.Report, error) {
	if rep.ReportID == "" {
		return nil, fmt.Errorf("report_id is required")
	}
	if rep.HostID == "" {
		return nil, fmt.Errorf("host_id is required")
	}
	if rep.PatternName == "" {
		return nil, fmt.Errorf("pattern_name is required")
	}
	if rep.Comm == "" {
		return nil, fmt.Errorf("comm is required")
	}
	if rep.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	verdict, err := parseVerdict(rep.Verdict)
	if err != nil {
		return nil, err
	}

	if rep.Timestamp.IsZero() {
		return nil, fmt.Errorf("timestamp is required")
	}
	ts := rep.Timestamp.UTC()
	now := time.Now().UTC()
	if ts.Before(now.Add(-time.Duration(s.maxReportAgeSecs) * time.Second)) {
		return nil, fmt.Errorf("timestamp %s is too old (>%ds)", ts, s.maxReportAgeSecs)
	}
	if ts.After(now.Add(60 * time.Second)) {
		return nil, fmt.Errorf("timestamp %s is too far in the future (>60s)", ts)
	}

	return &storage.Report{
		ReportID:    rep.ReportID,
		HostID:      rep.HostID,
		Timestamp:   ts,
		Pid:         rep.Pid,
		Comm:        rep.Comm,
		Path:        rep.Path,
		PatternName: rep.PatternName,
		Verdict:     verdict,
		ReceivedAt:  now,
	}, nil
}

// --- helpers ---

// parseVerdict validates and converts the string verdict.
func parseVerdict(s string) (storage.Verdict, error) {
	switch s {
	case "kill":
		return storage.VerdictKill, nil
	case "stop":
		return storage.VerdictStop, nil
	default:
		return "", fmt.Errorf("verdict %q is invalid; must be kill or stop", s)
	}
}

// ackCommand builds a successful ACK response.
func ackCommand(reportID string) *reportpb.ReportAck {
	return &reportpb.ReportAck{ReportID: reportID, Type: "ACK"}
}

// errorACK builds an error ACK response containing the rejection reason.
func errorACK(reportID string, err error) *reportpb.ReportAck {
	return &reportpb.ReportAck{ReportID: reportID, Type: "ERROR", Message: err.Error()}
}

// certCN extracts the CommonName from the mTLS client certificate attached to
// ctx. Returns an empty string when no peer info or certificate is available.
func certCN(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

// Ensure Broadcaster satisfies the local Broadcaster interface at compile
// time.
var _ Broadcaster = (*websocket.Broadcaster)(nil)
