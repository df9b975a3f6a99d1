/*
Package metrics exports engine metrics to Prometheus.

A Collector owns its own prometheus.Registry and implements both
cache.Observer and scheduler.Observer, so the engine can pass one value to
every component:

	collector, err := metrics.NewCollector(metrics.FromConfig(cfg.Monitoring.Metrics))
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(ctx)

# Exported series

	resload_loads_total{outcome,type}        fetched, cached and failed deliveries
	resload_load_duration_seconds{outcome}   fetch time including retries
	resload_cache_lookups_total{tier,result} memory and persistent hits and misses
	resload_cache_evictions_total{reason}    size, count and expired evictions
	resload_cache_memory_bytes               memory tier footprint
	resload_cache_memory_entries             memory tier entry count
	resload_queue_pending                    requests waiting for a slot
	resload_queue_in_flight                  requests fetching
	resload_strategy_active{strategy}        1 for the active strategy
	resload_strategy_score{strategy}         latest score
	resload_strategy_samples{strategy}       recorded samples

# HTTP endpoints

Start serves the registry at Config.Path (default /metrics), a liveness
probe at /health and per-type load totals as JSON at /debug/loads.

A collector built with Enabled=false records nothing and Start is a no-op.
*/
package metrics
