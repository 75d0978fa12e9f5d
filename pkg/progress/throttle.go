package progress

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttler limits how often a BlobProgress snapshot is actually published
// to the Bus: at most 10 per second, but always for the first 10 blobs
// processed and always for every 5th one thereafter, so early and late
// progress is never starved by the rate limit.
type Throttler struct {
	mu      sync.Mutex
	bus     *Bus
	limiter *rate.Limiter
	count   int
}

// NewThrottler creates a Throttler publishing to bus at up to 10Hz.
func NewThrottler(bus *Bus) *Throttler {
	return &Throttler{
		bus:     bus,
		limiter: rate.NewLimiter(10, 10),
	}
}

// Snapshot offers a BlobProgress event for publication. It is published
// immediately if this is one of the first 10 blobs, every 5th blob
// thereafter, or the rate limiter currently has budget; otherwise it is
// dropped, matching the Concurrent strategy's "at most one emission per
// 100ms or every 5th blob" contract.
func (t *Throttler) Snapshot(e Event) {
	t.mu.Lock()
	t.count++
	count := t.count
	t.mu.Unlock()

	e.Kind = KindBlobProgress

	guaranteed := count <= 10 || count%5 == 0
	if guaranteed || t.limiter.Allow() {
		t.bus.Publish(e)
	}
}
