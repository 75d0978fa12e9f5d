package transfer

import (
	"github.com/atmove/pdsmigrate/pkg/pdstypes"
)

// Selector scores candidate strategies against the current workload and
// picks the best one. The scoring shape (base priority plus bonuses for
// blob-count suitability, backend compatibility, and memory fit) mirrors
// the algorithm this port is built against; Streaming is always included
// as a candidate and is the guaranteed fallback if nothing else scores
// above zero.
type Selector struct {
	Candidates []Strategy
}

// NewSelector builds a Selector with the standard three strategies.
func NewSelector(concurrentMaxInFlight int64) *Selector {
	return &Selector{
		Candidates: []Strategy{
			Concurrent{MaxInFlight: concurrentMaxInFlight},
			Staging{},
			Streaming{},
		},
	}
}

// Select scores every candidate against blobs, the active backend name,
// and the available memory (nil if unknown), returning the
// highest-scoring strategy. Falls back to Streaming if every candidate
// scores zero or below.
func (s *Selector) Select(blobs []pdstypes.BlobRef, backendName string, availableMemory *uint64) Strategy {
	var best Strategy
	bestScore := 0

	for _, candidate := range s.Candidates {
		score := s.score(candidate, blobs, backendName, availableMemory)
		if best == nil || score > bestScore {
			best = candidate
			bestScore = score
		}
	}

	if bestScore <= 0 {
		return s.fallback()
	}
	return best
}

// fallback always returns Streaming, regardless of what Candidates holds,
// matching the invariant that Streaming tolerates any workload.
func (s *Selector) fallback() Strategy {
	return Streaming{}
}

func (s *Selector) score(strategy Strategy, blobs []pdstypes.BlobRef, backendName string, availableMemory *uint64) int {
	score := strategy.Priority()
	count := len(blobs)

	if strategy.SupportsBlobCount(count) {
		score += 20
	}
	if strategy.SupportsBackend(backendName) {
		score += 15
	}

	if availableMemory != nil {
		estimated := strategy.EstimatedMemoryUsage(blobs)
		if estimated <= *availableMemory {
			score += 10
		} else {
			score -= 30
		}
	}

	score += strategyBonus(strategy, count, backendName, availableMemory)

	return score
}

// strategyBonus applies the per-strategy context bonuses from the scoring
// table this selector is grounded on: concurrent strategies benefit from
// large blob counts, backend-aware strategies benefit from a capable
// backend tier, and streaming benefits when memory is tight.
func strategyBonus(strategy Strategy, count int, backendName string, availableMemory *uint64) int {
	switch strategy.Name() {
	case "concurrent":
		if count >= 20 {
			return 15
		}
	case "staging":
		switch backendName {
		case "fs":
			return 10
		case "idb":
			return 8
		case "kv":
			return 5
		}
	case "streaming":
		if availableMemory == nil || *availableMemory < 100<<20 {
			return 12
		}
	}
	return 0
}
