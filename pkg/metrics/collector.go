package metrics

import (
	"strings"

	"github.com/atmove/pdsmigrate/pkg/progress"
)

// Collector drains a progress.Bus subscription and mirrors its events onto
// the package's Prometheus metrics. One Collector per running migration;
// Stop unsubscribes and lets the goroutine exit.
type Collector struct {
	bus    *progress.Bus
	sub    progress.Subscriber
	stopCh chan struct{}
}

// NewCollector subscribes to bus. Call Start to begin draining events.
func NewCollector(bus *progress.Bus) *Collector {
	return &Collector{
		bus:    bus,
		sub:    bus.Subscribe(),
		stopCh: make(chan struct{}),
	}
}

// Start begins translating bus events into metric updates.
func (c *Collector) Start() {
	MigrationsInProgress.Inc()
	go c.run()
}

// Stop unsubscribes from the bus and stops the collector goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.bus.Unsubscribe(c.sub)
}

func (c *Collector) run() {
	var timers = make(map[string]*Timer)

	for {
		select {
		case e, ok := <-c.sub:
			if !ok {
				return
			}
			c.observe(e, timers)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) observe(e progress.Event, timers map[string]*Timer) {
	switch e.Kind {
	case progress.KindStepBegan:
		timers[e.Step] = NewTimer()

	case progress.KindStepCompleted:
		StepDuration.WithLabelValues(e.Step).Observe(float64(e.DurationMs) / 1000)
		delete(timers, e.Step)

	case progress.KindBlobProcessed:
		// the active transfer strategy isn't carried on the event; attribute
		// to "unknown" rather than guess.
		BlobsTransferredTotal.WithLabelValues("unknown").Inc()
		BlobBytesTransferredTotal.Add(float64(e.Bytes))

	case progress.KindBlobFailed:
		BlobsFailedTotal.WithLabelValues("unknown").Inc()

	case progress.KindError:
		StepFailuresTotal.WithLabelValues(e.Step).Inc()
		MigrationsCompletedTotal.WithLabelValues("failed").Inc()
		MigrationsInProgress.Dec()

	case progress.KindWarning:
		if e.Message != "" && strings.Contains(e.Message, "verification") {
			MigrationsAwaitingVerificationTotal.Inc()
		}

	case progress.KindBlobStoreActive:
		BlobStoreActiveBackend.WithLabelValues(e.ToBackend).Set(1)

	case progress.KindBlobStoreFallback:
		BlobStoreFallbacksTotal.WithLabelValues(e.FromBackend).Inc()
		if e.FromBackend != "" {
			BlobStoreActiveBackend.WithLabelValues(e.FromBackend).Set(0)
		}
		BlobStoreActiveBackend.WithLabelValues(e.ToBackend).Set(1)

	case progress.KindPdsRetry:
		PdsRetriesTotal.WithLabelValues(e.Step).Inc()

	case progress.KindCompleted:
		outcome := "succeeded"
		if !e.Success {
			outcome = "failed"
		}
		MigrationsCompletedTotal.WithLabelValues(outcome).Inc()
		MigrationsInProgress.Dec()
	}
}
