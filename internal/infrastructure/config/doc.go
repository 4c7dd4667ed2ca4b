// Package config provides 12-factor configuration management for the
// environment host.
//
// Configuration is loaded from environment variables with defaults. An
// optional YAML or TOML file (ENVHOST_CONFIG) is applied on top, so file
// values win over environment values.
//
// Configuration Sections:
//   - Platform: worker pool sizing
//   - Allocator: debug tracking, zero fill, max buffer size
//   - Engine: isolate flags, microtask policy, extra module directory
//   - Inspector: debugging session linkage
//   - Logging: log level and output format
//   - Server: diagnostics HTTP endpoint
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("worker threads: %d\n", cfg.Platform.WorkerThreads)
//
// Environment Variables:
//   - PLATFORM_WORKER_THREADS
//   - ALLOCATOR_DEBUG, ALLOCATOR_ZERO_FILL_ALL, ALLOCATOR_MAX_BUFFER_BYTES
//   - ENGINE_ABORT_ON_UNCAUGHT, ENGINE_MESSAGE_LISTENER, ENGINE_DETAILED_SOURCE_POSITIONS
//   - ENGINE_MICROTASKS_POLICY, ENGINE_MODULE_PATH, ENGINE_MODULE_PATTERN
//   - INSPECTOR_ENABLED
//   - LOG_LEVEL, LOG_DEV
//   - SERVER_ENABLED, SERVER_HOST, SERVER_PORT
package config
