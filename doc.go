// Package reportstream is a streaming report aggregation pipeline. It
// pulls report data from paged sources in memory-bounded chunks,
// transforms and aggregates records across hash partitions, and merges
// the partial results deterministically once the stream is exhausted.
//
// # Architecture
//
// A pipeline run is wired by a supervisor from five cooperating parts:
//
//  1. Fetch stage: demand-driven chunked paging with exponential-backoff
//     retries, a registry-backed circuit breaker, and a degraded mode
//     that halves the chunk size under memory pressure.
//
//  2. Partition layer: records fan out to N workers by group key hash,
//     so every group lives in exactly one worker and the final merge is
//     a disjoint union. Crashed workers restart with fresh state within
//     a bounded budget.
//
//  3. Transform stage: per-worker transformer chains with timeout
//     guards, feeding grouped aggregations with a hard cardinality
//     ceiling.
//
//  4. Registry and health monitor: keyed pipeline state with liveness
//     monitoring, stall detection, and memory-pressure pause/resume.
//
//  5. Page cache: TTL plus LRU bounded caching of fetched pages keyed
//     by query fingerprint.
//
// # Quick Start
//
// Run an aggregation over a CSV file:
//
//	cfg := config.NewPipelineConfig("daily-revenue")
//	cfg.Transform.NumericFields = []string{"amount"}
//	cfg.Transform.GroupBy = []string{"region"}
//
//	registry := pipeline.NewRegistry(sink, log)
//	cache := pipeline.NewCache(cfg.Cache, log)
//	src := source.NewCSVSource("orders.csv")
//
//	sv := pipeline.NewSupervisor(*cfg, src, source.Query{Source: "orders"},
//	    nil, registry, cache, sink, log)
//	report, err := sv.Run(ctx)
//
// The reportstream CLI in cmd/reportstream wraps the same wiring behind
// a cobra command surface.
package reportstream
