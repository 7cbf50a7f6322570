// Package main hosts the scrapegate entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, synchronous scrape and screenshot endpoints, and the
//     accessibility report job endpoints. Request bodies are validated before any outbound call is made.
//   - Request queue: every outbound attempt runs through internal/requestqueue, a bounded worker pool sharing one
//     start-to-start interval (queue.min_interval). One worker keeps calls strictly sequential.
//   - Fallback chain: internal/proxy builds isp:<country> -> isp:<fallback> -> residential tiers, each guarded by its
//     own circuit breaker. internal/scraper retries transient failures per tier with jittered backoff, moves to the
//     next tier on rejections and content-shape failures, and stops the chain on quota exhaustion.
//   - Backends: the unlocker backend calls a hosted scraping API; the direct backend fetches with colly through the
//     tier's proxy and renders or screenshots with chromedp.
//   - Reports: jobs sit in a TTL job store, flow through a bounded task queue to report workers, are analyzed by
//     internal/audit, written to the configured BlobStore (memory/local/GCS/R2), and announced on Pub/Sub.
//   - Configuration & plumbing: Viper populates config from YAML and SCRAPEGATE_* env vars (a .env file is loaded
//     first); zap provides structured logging; Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - Configure SCRAPEGATE_BACKEND_UNLOCKER_TOKEN (or SCRAPEGATE_BACKEND_KIND=direct plus
//     SCRAPEGATE_BACKEND_DIRECT_ISP_PROXY_URL), storage (SCRAPEGATE_STORAGE_*), pubsub, and SCRAPEGATE_DB_DSN when
//     the attempt audit log is wanted.
//   - Run locally: go run ./cmd/scrapegate serve --config config.yaml
//   - One-shot: go run ./cmd/scrapegate scrape --url https://example.com --country de --out page.html
package main
