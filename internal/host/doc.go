// Package host runs standalone environments for the envhost binary and the
// diagnostics server.
//
// A Manager owns the process-wide pieces every environment shares: the
// task platform, the buffer allocator, the module loader, the inspector
// agent and the thread id allocator. Each spawned instance gets its own
// isolate, context and environment, and runs on its own goroutine until its
// event loop drains, it is closed, or the manager shuts down.
//
// Key Components:
//   - Manager: instance lifecycle coordinator
//   - Instance: read-only snapshot of one environment
//   - Stats: aggregate counts by state
//
// Example Usage:
//
//	m, err := host.NewManager(cfg, logger, metrics)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Shutdown(context.Background())
//
//	inst, err := m.Run(ctx, host.Spec{Name: "main", Source: src})
//	fmt.Println(inst.ExitCode)
package host
