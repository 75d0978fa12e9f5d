// Package metrics exposes a migration run's internals as Prometheus
// metrics, via the same client library and Handler/Timer idiom used
// elsewhere in this codebase.
//
// Two paths feed these metrics. A Collector subscribes to a progress.Bus
// and translates the events meant for the external UI into metric updates:
// step durations and failures, blob counts and bytes, blob store backend
// selection and fallback, retried PDS calls, and terminal migration
// outcomes. The pdsclient and transfer packages observe their own
// higher-frequency metrics directly — per-request PDS call counts and
// latency, and per-blob upload duration — rather than round-tripping
// through the bus, since those aren't shaped like UI progress events and
// would otherwise need throttling just to avoid flooding it.
//
//	bus := progress.NewBus()
//	bus.Start()
//	collector := metrics.NewCollector(bus)
//	collector.Start()
//	defer collector.Stop()
//
//	http.Handle("/metrics", metrics.Handler())
//	http.Handle("/health", metrics.HealthHandler())
package metrics
