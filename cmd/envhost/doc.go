// Package main is the envhost command: it runs one script in a fresh
// environment and exits with the script's exit code.
//
// The host builds a task platform, a buffer allocator, the built-in module
// loader and an optional inspector agent, then bootstraps an environment for
// the script and spins its event loop until no work is left.
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - A YAML or TOML file via -config or ENVHOST_CONFIG
//   - CLI flags override both
//
// Usage:
//
//	# Run a script file; extra arguments land in process.argv
//	./envhost main.js --verbose
//
//	# Evaluate inline source and print the final snapshot
//	./envhost -json -e 'process.exitCode = 3'
//
//	# Keep the diagnostics server up after the script exits
//	./envhost -serve -dev main.js
//
// Signals:
//   - SIGINT, SIGTERM: stop the running environment and shut down
package main
