// Package transfer implements the three blob transfer algorithms
// (streaming, staging, concurrent) and the selector that scores them
// against the current workload to pick the best one.
package transfer

import (
	"context"
	"time"

	"github.com/atmove/pdsmigrate/pkg/blobstore"
	"github.com/atmove/pdsmigrate/pkg/config"
	"github.com/atmove/pdsmigrate/pkg/metrics"
	"github.com/atmove/pdsmigrate/pkg/pdsclient"
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
)

// Input is what every strategy needs to move a set of blobs from the
// source PDS to the destination.
type Input struct {
	Blobs          []pdstypes.BlobRef
	OldAccessToken string
	NewAccessToken string
	// OldClient fetches blobs from the source PDS; NewClient uploads them
	// to the destination. They are never the same server.
	OldClient *pdsclient.Client
	NewClient *pdsclient.Client
	Router    *blobstore.Router
	Bus       *progress.Bus
	Config    config.MigrationConfig
}

// FailedBlob records one blob that could not be transferred. Per-blob
// failures are collected, never fatal to the strategy as a whole.
type FailedBlob struct {
	CID pdstypes.CID
	Err error
}

// Result summarizes one strategy's execution.
type Result struct {
	Total        int
	Uploaded     int
	Failed       []FailedBlob
	TotalBytes   int64
	StrategyName string
}

// Strategy is one algorithm for moving a blob set. Implementations must
// tolerate per-blob failure without aborting the whole run.
type Strategy interface {
	// Name identifies the strategy: "streaming", "staging", or "concurrent".
	Name() string

	// Priority is the base score before the Selector's bonuses are applied.
	Priority() int

	// SupportsBlobCount reports whether this strategy is well suited to a
	// workload of the given size.
	SupportsBlobCount(count int) bool

	// SupportsBackend reports whether this strategy can exercise the named
	// active blob store backend (staging needs a cache; streaming does not
	// care).
	SupportsBackend(backendName string) bool

	// EstimatedMemoryUsage estimates the peak memory this strategy would
	// hold for the given blob set, used by the Selector's memory-fit score.
	EstimatedMemoryUsage(blobs []pdstypes.BlobRef) uint64

	// Execute runs the strategy to completion, emitting progress via
	// in.Bus and returning a summary. Never returns an error for
	// individual blob failures; those are collected into Result.Failed.
	Execute(ctx context.Context, in Input) (Result, error)
}

// emitBlobProcessed publishes a KindBlobProcessed event and observes the
// blob's upload duration (the time spent in the NewClient.UploadBlob call
// that just succeeded, not the full get-then-upload round trip).
func emitBlobProcessed(bus *progress.Bus, cid pdstypes.CID, size int64, uploadDuration time.Duration) {
	metrics.BlobTransferDuration.Observe(uploadDuration.Seconds())
	bus.Publish(progress.Event{Kind: progress.KindBlobProcessed, CID: string(cid), Bytes: size})
}

func emitBlobFailed(bus *progress.Bus, cid pdstypes.CID, err error) {
	bus.Publish(progress.Event{Kind: progress.KindBlobFailed, CID: string(cid), Message: err.Error()})
}
