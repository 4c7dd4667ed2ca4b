// Package middleware provides the HTTP middleware for the diagnostics server.
//
// Middleware stack includes:
//   - CORS: cross-origin access for browser dashboards
//   - RateLimit: per-client token bucket limiting
//   - Trace: request ids in the X-Trace-ID header and request logging
//
// Rate Limiting:
//   - Per-IP tracking, idle clients are evicted
//   - Token bucket algorithm from golang.org/x/time/rate
//   - A zero rate disables limiting
//
// Example Usage:
//
//	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
package middleware
