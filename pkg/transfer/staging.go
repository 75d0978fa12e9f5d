package transfer

import (
	"context"
	"time"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Staging moves blobs in two phases: first every blob is fetched into the
// active blob store backend, then the cache is drained to the
// destination and cleared. It suits an unreliable network paired with an
// ample local backend. Each run fetches every blob in its input; blobs
// already in the cache are not skipped.
type Staging struct{}

func (Staging) Name() string { return "staging" }

func (Staging) Priority() int { return 12 }

func (Staging) SupportsBlobCount(count int) bool { return count > 0 }

// SupportsBackend requires a real cache; without one, staging degrades to
// streaming behavior and the Selector should not prefer it.
func (Staging) SupportsBackend(backendName string) bool {
	return backendName == "fs" || backendName == "idb" || backendName == "kv"
}

func (Staging) EstimatedMemoryUsage(blobs []pdstypes.BlobRef) uint64 {
	// blobs live in the backend, not in process memory, between phases
	return 0
}

func (s Staging) Execute(ctx context.Context, in Input) (Result, error) {
	if in.Router == nil {
		return Streaming{}.Execute(ctx, in)
	}

	result := Result{Total: len(in.Blobs), StrategyName: s.Name()}

	cached := make([]pdstypes.BlobRef, 0, len(in.Blobs))
	for _, ref := range in.Blobs {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		data, err := in.OldClient.GetBlob(ctx, in.OldAccessToken, ref.CID)
		if err != nil {
			result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
			emitBlobFailed(in.Bus, ref.CID, err)
			continue
		}

		if err := in.Router.StoreWithFallback(ctx, ref.CID, data); err != nil {
			result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
			emitBlobFailed(in.Bus, ref.CID, err)
			continue
		}
		cached = append(cached, ref)
	}

	for _, ref := range cached {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		data, err := in.Router.RetrieveWithFallback(ctx, ref.CID)
		if err != nil {
			result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
			emitBlobFailed(in.Bus, ref.CID, err)
			continue
		}

		uploadStart := time.Now()
		err = in.NewClient.UploadBlob(ctx, in.NewAccessToken, data)
		if err != nil {
			result.Failed = append(result.Failed, FailedBlob{CID: ref.CID, Err: err})
			emitBlobFailed(in.Bus, ref.CID, err)
			continue
		}

		result.Uploaded++
		result.TotalBytes += int64(len(data))
		emitBlobProcessed(in.Bus, ref.CID, int64(len(data)), time.Since(uploadStart))
	}

	if len(cached) > 0 {
		_ = in.Router.Active().Clear(ctx)
	}

	return result, nil
}
