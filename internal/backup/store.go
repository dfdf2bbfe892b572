// Package backup implements the File Backup Store: a durable, SQL-backed
// blob table the response engine uses to snapshot a file before a suspected
// write burst, and to restore it if a pattern later matches.
package backup

import (
	"context"
	"errors"
)

// MaxFileSize is the size cap beyond which Store refuses to snapshot a
// file. A file over this size reports ErrTooLarge; the core treats that as
// "no backup available" rather than a fatal condition.
const MaxFileSize = 1 << 30 // 1 GiB

// ErrTooLarge is returned by Store when the file at path exceeds
// MaxFileSize.
var ErrTooLarge = errors.New("backup: file exceeds maximum backup size")

// ErrNotFound is returned by Restore and Release when id names no blob,
// either because it was never stored or was already released.
var ErrNotFound = errors.New("backup: id not found")

// Store is the contract the response engine relies on. Implementations
// must guarantee: ids are never reused; Store is synchronous and durable
// before it returns an id; a successful Restore followed by Release leaves
// the file on disk with no blob retained.
type Store interface {
	// Store reads the file at path in full and persists its bytes,
	// returning a fresh positive id. ErrTooLarge is returned, without a
	// partial write, for files over MaxFileSize.
	Store(ctx context.Context, path string) (id int64, err error)

	// Restore writes the blob identified by id to path, truncating any
	// existing content. ErrNotFound is a non-fatal miss.
	Restore(ctx context.Context, id int64, path string) error

	// Release deletes the blob identified by id.
	Release(ctx context.Context, id int64) error

	// Close releases the underlying database handle.
	Close() error
}
