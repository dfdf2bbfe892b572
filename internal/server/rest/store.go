package rest

import (
	"context"
	"time"

	"github.com/sentinelfs/sentinel/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// QueryReports returns reports matching the given filter and pagination params.
	QueryReports(ctx context.Context, q storage.ReportQuery) ([]storage.Report, error)

	// ListHosts returns all registered hosts ordered alphabetically by hostname.
	ListHosts(ctx context.Context) ([]storage.Host, error)

	// ListPatterns returns detection pattern mirror rows, optionally scoped to hostID.
	ListPatterns(ctx context.Context, hostID string) ([]storage.DetectionPattern, error)

	// QueryAuditEntries returns audit entries for hostID within [from, to).
	QueryAuditEntries(ctx context.Context, hostID string, from, to time.Time) ([]storage.AuditEntry, error)
}
