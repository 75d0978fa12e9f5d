package transfer

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
	"github.com/atmove/pdsmigrate/pkg/progress"
)

// Concurrent moves blobs in parallel, bounded by a semaphore, with no
// local caching per task (get then upload directly). It yields the
// highest throughput when the destination accepts parallel uploads, and
// is the only strategy where per-blob work overlaps; the orchestrator's
// "single cooperative task" model applies everywhere else.
type Concurrent struct {
	// MaxInFlight bounds concurrent get+upload pairs. Falls back to 5 if
	// unset.
	MaxInFlight int64
}

func (Concurrent) Name() string { return "concurrent" }

func (Concurrent) Priority() int { return 14 }

// SupportsBlobCount accepts any non-empty blob set; the extra score for
// 20 or more blobs, where spreading work across goroutines pays for
// itself, comes from the Selector's strategyBonus.
func (Concurrent) SupportsBlobCount(count int) bool { return count >= 1 }

func (Concurrent) SupportsBackend(backendName string) bool { return true }

func (c Concurrent) EstimatedMemoryUsage(blobs []pdstypes.BlobRef) uint64 {
	inFlight := c.maxInFlight()
	// a rough per-blob upper bound; actual sizes vary per CID and are not
	// known until fetched, so this assumes a conservative 10MB ceiling
	// per in-flight blob.
	return uint64(inFlight) * 10 << 20
}

func (c Concurrent) maxInFlight() int64 {
	if c.MaxInFlight > 0 {
		return c.MaxInFlight
	}
	return 5
}

// progressTracker records (processed_count, processed_bytes, current_cid)
// under a mutex, shared by every in-flight task, and throttles emissions
// through a progress.Throttler.
type progressTracker struct {
	mu         sync.Mutex
	processed  int
	bytes      int64
	throttler  *progress.Throttler
	total      int
}

func (t *progressTracker) record(bus *progress.Bus, cid pdstypes.CID, size int64) {
	t.mu.Lock()
	t.processed++
	t.bytes += size
	snapshot := progress.Event{
		Total:      t.total,
		Processed:  t.processed,
		TotalBytes: t.bytes,
		CurrentCID: string(cid),
	}
	if t.total > 0 {
		snapshot.Percent = float64(t.processed) / float64(t.total) * 100
	}
	t.mu.Unlock()

	t.throttler.Snapshot(snapshot)
}

func (c Concurrent) Execute(ctx context.Context, in Input) (Result, error) {
	result := Result{Total: len(in.Blobs), StrategyName: c.Name()}

	sem := semaphore.NewWeighted(c.maxInFlight())
	tracker := &progressTracker{throttler: progress.NewThrottler(in.Bus), total: len(in.Blobs)}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ref := range in.Blobs {
		ref := ref
		if err := sem.Acquire(ctx, 1); err != nil {
			return result, err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			data, err := in.OldClient.GetBlob(ctx, in.OldAccessToken, ref.CID)
			if err != nil {
				mu.Lock()
				result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
				mu.Unlock()
				emitBlobFailed(in.Bus, ref.CID, err)
				return
			}

			uploadStart := time.Now()
			if err := in.NewClient.UploadBlob(ctx, in.NewAccessToken, data); err != nil {
				mu.Lock()
				result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
				mu.Unlock()
				emitBlobFailed(in.Bus, ref.CID, err)
				return
			}

			mu.Lock()
			result.Uploaded++
			result.TotalBytes += int64(len(data))
			mu.Unlock()

			emitBlobProcessed(in.Bus, ref.CID, int64(len(data)), time.Since(uploadStart))
			tracker.record(in.Bus, ref.CID, int64(len(data)))
		}()
	}

	wg.Wait()

	return result, nil
}
