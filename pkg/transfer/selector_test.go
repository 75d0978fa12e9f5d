package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

func blobRefs(n int) []pdstypes.BlobRef {
	refs := make([]pdstypes.BlobRef, n)
	for i := range refs {
		refs[i] = pdstypes.BlobRef{CID: pdstypes.CID("cid")}
	}
	return refs
}

func TestSelectorPrefersConcurrentForLargeBlobCount(t *testing.T) {
	sel := NewSelector(5)
	plenty := uint64(1 << 30)

	chosen := sel.Select(blobRefs(50), "idb", &plenty)
	assert.Equal(t, "concurrent", chosen.Name())
}

func TestSelectorPrefersStreamingUnderLowMemory(t *testing.T) {
	sel := NewSelector(5)
	tiny := uint64(1 << 20)

	chosen := sel.Select(blobRefs(3), "kv", &tiny)
	assert.Equal(t, "streaming", chosen.Name())
}

func TestSelectorFallsBackToStreamingWhenNothingScores(t *testing.T) {
	sel := &Selector{Candidates: []Strategy{zeroStrategy{}}}
	chosen := sel.Select(nil, "fs", nil)
	assert.Equal(t, "streaming", chosen.Name())
}

type zeroStrategy struct{}

func (zeroStrategy) Name() string                                   { return "zero" }
func (zeroStrategy) Priority() int                                  { return -100 }
func (zeroStrategy) SupportsBlobCount(int) bool                     { return false }
func (zeroStrategy) SupportsBackend(string) bool                    { return false }
func (zeroStrategy) EstimatedMemoryUsage([]pdstypes.BlobRef) uint64  { return 1 << 62 }
func (zeroStrategy) Execute(ctx context.Context, in Input) (Result, error) {
	return Result{}, nil
}
