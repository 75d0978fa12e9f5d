// Package progress implements the rate-limited event broadcaster consumed
// by the external UI: step transitions, blob counters, warnings, and a
// terminal Completed event.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmove/pdsmigrate/pkg/log"
)

// Kind enumerates the event shapes the Bus can carry.
type Kind string

const (
	KindStarted       Kind = "started"
	KindStepBegan     Kind = "step_began"
	KindStepCompleted Kind = "step_completed"
	KindBlobProcessed Kind = "blob_processed"
	KindBlobFailed    Kind = "blob_failed"
	KindBlobProgress  Kind = "blob_progress"
	KindWarning       Kind = "warning"
	KindError         Kind = "error"
	KindCompleted     Kind = "completed"

	// KindBlobStoreActive announces the backend the Router committed to at
	// construction, before any fallback has happened.
	KindBlobStoreActive Kind = "blobstore_active"
	// KindBlobStoreFallback announces a Router demotion to the next backend.
	KindBlobStoreFallback Kind = "blobstore_fallback"
	// KindPdsRetry announces one retried attempt inside retryNetwork.
	KindPdsRetry Kind = "pds_retry"
)

// Event is one item on the bus. Fields not relevant to Kind are left zero.
type Event struct {
	ID        string
	Kind      Kind
	Timestamp time.Time

	Step       string        // StepBegan, StepCompleted
	DurationMs int64         // StepCompleted
	CID        string        // BlobProcessed, BlobFailed
	Bytes      int64         // BlobProcessed
	Message    string        // Warning, Error, BlobFailed
	Success    bool          // Completed

	FromBackend string // BlobStoreFallback (empty on the initial BlobStoreActive)
	ToBackend   string // BlobStoreActive, BlobStoreFallback

	// BlobProgress snapshot fields.
	Total      int
	Processed  int
	TotalBytes int64
	CurrentCID string
	Percent    float64
}

// Subscriber is a channel that receives events.
type Subscriber chan Event

// Bus is a broadcast sink of migration events. Its own Publish may be
// called as often as the orchestrator likes; callers that emit at high
// frequency (the Concurrent transfer strategy) should use a Throttler
// instead of calling Publish directly for every blob.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan Event
	stopCh      chan struct{}
}

// NewBus creates a Bus. Call Start before publishing.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the distribution loop. Subsequent Publish calls are dropped.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues an event for broadcast. Non-blocking: if the bus is
// stopped the event is dropped rather than blocking the caller.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	logger := log.WithComponent("progress")
	for {
		select {
		case e := <-b.eventCh:
			b.broadcast(e)
		case <-b.stopCh:
			logger.Debug().Msg("progress bus stopped")
			return
		}
	}
}

func (b *Bus) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- e:
		default:
			// subscriber buffer full, skip this event for it
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
