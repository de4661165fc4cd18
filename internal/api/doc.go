// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start crawls, GET /v1/jobs... to inspect them.
//   - POST /v1/webhooks/crawl for provider callbacks (HMAC, not API key).
//   - GET /v1/progress/stream for live progress as server-sent events.
//   - POST /v1/dedup/passes and GET /v1/entities/{entity_id} for the
//     canonical booth store.
package api
