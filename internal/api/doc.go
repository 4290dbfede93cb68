// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/ingest[/{user}] and /v1/headlines/run to trigger runs.
//   - GET /v1/users/{user}/categories/{category}[/articles/{slug}] to read the
//     cache.
package api
