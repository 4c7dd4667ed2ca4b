/*
Package monitoring provides metrics collection for the environment host.

# Overview

Prometheus collectors track the environment lifecycle, isolate registration,
platform task queues, child workers and the buffer allocator registry. The
collectors are registered on an injected prometheus.Registerer so several
hosts (or tests) can coexist in one process.

A nil *Metrics is valid: every recording method is a no-op on nil, so the
platform, allocator and environments take metrics as an optional dependency.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	p := platform.New(platform.Options{WorkerThreads: 4, Metrics: metrics})

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
