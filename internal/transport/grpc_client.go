// Package transport implements the gRPC client that streams detection
// reports from the correlator to the collector. The [Client] manages a
// persistent bidirectional StreamReports connection with the following key
// properties:
//
//   - mTLS: the client presents a certificate signed by the shared CA; the
//     collector certificate is verified against the same CA.
//   - RegisterAgent: called once on each successful connection to obtain a
//     stable host_id that is embedded in every DetectionReport.
//   - Exponential backoff: on any connection or stream error the client waits
//     an exponentially increasing interval, via backoff.ExponentialBackOff,
//     before reconnecting. The back-off ceiling defaults to 60s and is
//     configurable via [ClientConfig.MaxBackoff].
//   - Queue drain on reconnect: each time the stream is established the
//     client first drains all pending reports from the local SQLite queue
//     (oldest first) before forwarding new live reports. Each report is
//     acked in the queue only after the collector sends an ACK ReportAck.
//   - Metrics: [Client.ReportsSentTotal] and [Client.ReconnectTotal] are
//     atomic counters. [Client.QueueDepth] reads directly from the
//     underlying queue.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	reportpb "github.com/sentinelfs/sentinel/proto"

	"github.com/sentinelfs/sentinel/internal/queue"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect back-off.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of reports dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// liveChanCap is the capacity of the buffered channel used to forward
	// live reports from Send to the stream goroutine.
	liveChanCap = 256
)

// ReportQueue is the subset of [queue.SQLiteQueue] used by Client. It is
// satisfied by *queue.SQLiteQueue and can be stubbed in unit tests.
type ReportQueue interface {
	Dequeue(ctx context.Context, n int) ([]queue.PendingReport, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// ClientConfig holds the parameters for connecting to the collector.
type ClientConfig struct {
	// Addr is the collector's gRPC address (e.g. "collector.example.com:4443").
	Addr string

	// CertPath, KeyPath, CAPath locate the agent's client certificate, its
	// key, and the CA used to verify the collector's server certificate.
	// Required unless Insecure is true.
	CertPath string
	KeyPath  string
	CAPath   string

	// ServerName overrides the TLS server name for SNI verification. Ignored
	// when Insecure is true.
	ServerName string

	// Hostname is sent in RegisterAgent. When empty os.Hostname() is used.
	Hostname string

	// AgentVersion is the semantic version sent in RegisterAgent.
	AgentVersion string

	// MaxBackoff caps the reconnect back-off interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Use only in tests.
	Insecure bool
}

// Client is a bidirectional gRPC client streaming DetectionReports to the
// collector. It is safe for concurrent use: [Send] may be called from any
// goroutine while the internal run loop manages the stream.
type Client struct {
	cfg    ClientConfig
	queue  ReportQueue
	logger *slog.Logger

	liveCh chan queue.DetectionReport

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	hostMu sync.RWMutex
	hostID string

	reportsSentTotal atomic.Int64
	reconnectTotal   atomic.Int64
}

// New creates a Client but does not start it. Call [Client.Start] to begin
// the connection loop. q is the local durable queue used to drain pending
// reports on each reconnect; it may be nil, in which case draining is
// skipped.
func New(cfg ClientConfig, q ReportQueue, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		liveCh: make(chan queue.DetectionReport, liveChanCap),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. Connection failures are retried internally with exponential
// back-off and are not surfaced as errors from Start.
func (c *Client) Start(ctx context.Context) error {
	go c.run(ctx)
	return nil
}

// Send forwards r to the live channel consumed by the stream goroutine. The
// caller should already have persisted r to the local queue before calling
// Send; a failed Send is not fatal because the report will be re-delivered
// by the queue drain on reconnect.
func (c *Client) Send(ctx context.Context, r queue.DetectionReport) error {
	select {
	case c.liveCh <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopCh:
		return fmt.Errorf("transport: stopped")
	default:
		return fmt.Errorf("transport: live channel full, report will be delivered via queue")
	}
}

// Stop signals the run loop to exit and blocks until it has. Safe to call
// more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// ReportsSentTotal returns the total number of reports acknowledged by the
// collector since the client was created.
func (c *Client) ReportsSentTotal() int64 { return c.reportsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts since the
// client was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying ReportQueue.Depth, returning 0 when
// no queue is configured.
func (c *Client) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// HostID returns the host_id assigned by the collector during the most
// recent successful RegisterAgent call, or "" before the first success.
func (c *Client) HostID() string {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.hostID
}

// --- internal ---

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			wait := b.NextBackOff()
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		wasConnected, err := c.runOnce(ctx)
		if err == nil {
			return
		}
		if wasConnected {
			b.Reset()
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("transport: connection lost, reconnecting", slog.Any("error", err))
	}
}

// runOnce performs a single connect -> register -> stream cycle. The first
// return value reports whether a stream was successfully established before
// the error occurred, so the caller can decide whether to reset its backoff.
// The error is nil only on a clean exit (stop/context cancellation).
func (c *Client) runOnce(ctx context.Context) (wasConnected bool, err error) {
	creds, err := c.buildCredentials()
	if err != nil {
		return false, fmt.Errorf("build TLS credentials: %w", err)
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := reportpb.NewReportServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := client.RegisterAgent(regCtx, &reportpb.RegisterRequest{
		Hostname:     hostname,
		AgentVersion: c.cfg.AgentVersion,
	})
	regCancel()
	if err != nil {
		return false, fmt.Errorf("RegisterAgent: %w", err)
	}

	c.hostMu.Lock()
	c.hostID = resp.HostID
	c.hostMu.Unlock()

	c.logger.Info("transport: registered with collector",
		slog.String("host_id", resp.HostID),
		slog.String("collector_addr", c.cfg.Addr),
	)

	stream, err := client.StreamReports(ctx)
	if err != nil {
		return false, fmt.Errorf("StreamReports: %w", err)
	}

	if c.queue != nil && c.queue.Depth() > 0 {
		c.logger.Info("transport: draining queue before live reports", slog.Int("depth", c.queue.Depth()))
		if err := c.drainQueue(ctx, stream); err != nil {
			select {
			case <-c.stopCh:
				return true, nil
			case <-ctx.Done():
				return true, nil
			default:
				return true, fmt.Errorf("queue drain: %w", err)
			}
		}
		c.logger.Info("transport: queue drain complete")
	}

	if err := c.processLive(ctx, stream); err != nil {
		select {
		case <-c.stopCh:
			return true, nil
		case <-ctx.Done():
			return true, nil
		default:
			return true, err
		}
	}
	return true, nil
}

// drainQueue sends all pending reports from the queue to the collector in
// FIFO order, acking each once the collector replies ACK. Reports the
// collector replies ERROR to are left pending and retried on the next
// reconnect.
func (c *Client) drainQueue(ctx context.Context, stream reportpb.ReportService_StreamReportsClient) error {
	hostID := c.HostID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pr := range pending {
			reportID := uuid.NewString()
			if err := stream.Send(toWireReport(reportID, hostID, pr.Report)); err != nil {
				return fmt.Errorf("send (queued): %w", err)
			}

			ack, err := stream.Recv()
			if err != nil {
				return fmt.Errorf("recv ack (queued): %w", err)
			}

			switch ack.Type {
			case "ACK":
				if ackErr := c.queue.Ack(ctx, []int64{pr.ID}); ackErr != nil {
					c.logger.Warn("transport: queue ack failed", slog.Int64("queue_id", pr.ID), slog.Any("error", ackErr))
				} else {
					c.reportsSentTotal.Add(1)
					c.logger.Debug("transport: queued report delivered", slog.String("report_id", reportID), slog.String("pattern", pr.Report.PatternName))
				}
			default:
				c.logger.Warn("transport: collector rejected queued report",
					slog.String("report_id", reportID),
					slog.String("reason", ack.Message),
					slog.String("pattern", pr.Report.PatternName),
				)
			}
		}
	}
}

// processLive forwards live reports received from [Send] onto the gRPC
// stream and tracks ACKs in a background goroutine.
func (c *Client) processLive(ctx context.Context, stream reportpb.ReportService_StreamReportsClient) error {
	hostID := c.HostID()

	recvErrCh := make(chan error, 1)
	go func() {
		for {
			ack, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			if ack.Type == "ACK" {
				c.reportsSentTotal.Add(1)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		case err := <-recvErrCh:
			return fmt.Errorf("recv: %w", err)
		case r := <-c.liveCh:
			if err := stream.Send(toWireReport(uuid.NewString(), hostID, r)); err != nil {
				return fmt.Errorf("send (live): %w", err)
			}
		}
	}
}

// buildCredentials constructs gRPC transport credentials from the config.
func (c *Client) buildCredentials() (credentials.TransportCredentials, error) {
	if c.cfg.Insecure {
		return insecure.NewCredentials(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", c.cfg.CertPath, c.cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(c.cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", c.cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if c.cfg.ServerName != "" {
		tlsCfg.ServerName = c.cfg.ServerName
	}

	return credentials.NewTLS(tlsCfg), nil
}

// toWireReport converts a queued DetectionReport to its wire representation.
func toWireReport(reportID, hostID string, r queue.DetectionReport) *reportpb.DetectionReport {
	return &reportpb.DetectionReport{
		ReportID:    reportID,
		HostID:      hostID,
		Pid:         r.Pid,
		Comm:        r.Comm,
		Path:        r.Path,
		PatternName: r.PatternName,
		Verdict:     r.Verdict,
		Timestamp:   r.Timestamp,
	}
}

