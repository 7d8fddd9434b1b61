// Package metrics provides Prometheus metrics for observability.
//
// This package exposes metrics for the compactor including:
//   - Scheduler cycles and partitions dispatched per cycle
//   - Compaction backlog (partitions, files, bytes) with threshold alerting
//   - Job duration histograms broken down by output level and status
//   - Bytes, rows, and deduplicated rows per completed job
//   - Catalog operation and commit-transaction latency by outcome
//   - Object store operation latency and bytes transferred
//
// Metrics are exposed via a dedicated HTTP server on /metrics in Prometheus
// format, alongside /healthz and /readyz probes.
//
// Usage:
//
//	compactionMetrics := metrics.NewCompactionMetrics()
//	catalogMetrics := metrics.NewCatalogMetrics()
//	storeMetrics := metrics.NewObjectStoreMetrics()
//
//	// Wire into the layers being observed
//	cat := catalog.NewInstrumentedCatalog(pg, catalogMetrics)
//	store := objectstore.NewInstrumentedStore(s3Store, storeMetrics)
//
//	// Start the metrics server
//	srv := metrics.NewServer(":9090")
//	srv.SetReadyCheck(cat.Ping)
//	srv.Start()
package metrics
