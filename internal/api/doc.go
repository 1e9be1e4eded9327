// Package api hosts the HTTP server and middleware for operator access to a
// running discovery loop. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/telemetry for the live diversity/rejection snapshot.
//   - GET /v1/frontier/counts for per-status frontier sizes.
//   - POST /v1/run/stop to request a graceful stop.
package api
