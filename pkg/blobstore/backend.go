// Package blobstore implements the three interchangeable blob caches
// (fs, idb, kv) and the Router that selects and falls back between them.
// Backends are not required to be safe for concurrent use beyond the
// single cooperative task model the orchestrator runs under; the
// Concurrent transfer strategy, the only one whose per-blob work overlaps,
// does not use the Router or any backend.
package blobstore

import (
	"context"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Usage is a backend's capacity snapshot, the Go shape of a browser
// storage estimate: quota and current usage in bytes.
type Usage struct {
	Quota uint64
	Used  uint64
}

// Available returns the remaining byte budget. A Quota of 0 means
// effectively unlimited (the fs backend reports this).
func (u Usage) Available() uint64 {
	if u.Quota == 0 {
		return ^uint64(0)
	}
	if u.Used >= u.Quota {
		return 0
	}
	return u.Quota - u.Used
}

// NearCapacity reports whether usage has crossed 80% of quota. Always
// false for an unlimited (Quota == 0) backend.
func (u Usage) NearCapacity() bool {
	if u.Quota == 0 {
		return false
	}
	return float64(u.Used)/float64(u.Quota) > 0.8
}

// CanFit reports whether a blob of the given size would fit in the
// remaining budget.
func (u Usage) CanFit(size uint64) bool {
	return u.Available() >= size
}

// Backend is the capability set every blob cache implements. init/put/get
// mirror the browser-side trait this is modeled on; Go surfaces them as an
// ordinary interface rather than an async trait object.
type Backend interface {
	// Init probes the backend's availability in the current environment and
	// prepares it for use. Called once by the Router at construction.
	Init(ctx context.Context) error

	// Put stores a blob, keyed by CID. May fail with a QuotaError or a
	// transient I/O error.
	Put(ctx context.Context, cid pdstypes.CID, data []byte) error

	// PutWithRetry wraps Put with a backend-appropriate bounded retry for
	// transient failures; it does not retry QuotaExceeded.
	PutWithRetry(ctx context.Context, cid pdstypes.CID, data []byte, retries int) error

	// Get retrieves a blob by CID. Returns a NotFoundError on a cache miss.
	Get(ctx context.Context, cid pdstypes.CID) ([]byte, error)

	// Has is a fast existence check.
	Has(ctx context.Context, cid pdstypes.CID) (bool, error)

	// List enumerates every CID currently cached.
	List(ctx context.Context) ([]pdstypes.CID, error)

	// Usage reports current capacity.
	Usage(ctx context.Context) (Usage, error)

	// Clear removes everything from the backend. Called after a Staging
	// strategy completes a phase, and never called on the backend a Router
	// is abandoning (its contents are simply left behind).
	Clear(ctx context.Context) error

	// Name identifies the backend: "fs", "idb", or "kv".
	Name() string
}
