package transfer

import (
	"context"
	"time"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Streaming moves blobs one at a time, get then upload, with no local
// caching. It has the smallest memory footprint of the three strategies
// and tolerates any blob count, which is why it is always the fallback
// when no other strategy scores above zero.
type Streaming struct{}

func (Streaming) Name() string { return "streaming" }

func (Streaming) Priority() int { return 10 }

func (Streaming) SupportsBlobCount(count int) bool { return true }

func (Streaming) SupportsBackend(backendName string) bool { return true }

func (Streaming) EstimatedMemoryUsage(blobs []pdstypes.BlobRef) uint64 {
	// one blob in flight at a time; memory usage does not grow with count
	return 0
}

func (s Streaming) Execute(ctx context.Context, in Input) (Result, error) {
	result := Result{Total: len(in.Blobs), StrategyName: s.Name()}

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

	return result, nil
}
