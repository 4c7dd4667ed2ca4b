// Package logging provides structured logging using uber/zap.
//
// Two modes are supported:
//   - Production: JSON output for machine parsing
//   - Development: colored console output
//
// Output goes to stderr by default so that script output on stdout stays
// clean. Components receive a *zap.Logger and treat nil as a no-op logger
// (see OrNop). Shared field constructors (IsolateID, EnvID, ThreadID, Module)
// keep log keys consistent across the platform, engine and environments.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Environment created", logging.EnvID(id), logging.ThreadID(tid))
package logging
