// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape and /v1/screenshot for synchronous scrapes through the
//     proxy fallback chain.
//   - POST /v1/reports plus GET/POST /v1/reports/{job_id}/... for asynchronous
//     accessibility reports.
//   - GET /v1/proxies for per-tier circuit breaker health.
package api
