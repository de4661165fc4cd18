// Package main hosts the booth-crawler entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, crawl starts, job lookups, entity quality and an SSE
//     progress stream. Crawl starts are validated and persisted as queued jobs before the provider is called.
//   - Webhook receiver: provider callbacks land on /v1/webhooks/crawl, are HMAC-verified when a secret is set and
//     applied idempotently to the job state machine. A completed crawl moves the job to processing and hands it to
//     the completion queue.
//   - Completion workers: a fixed pool sized by orchestrator.workers drains the queue, fetches results, archives
//     raw pages, extracts candidates and ingests them through the dedup engine.
//   - Dedup & quality: candidates are matched against nearby canonical booths by distance and name similarity and
//     merged under per-area locks with version checks. Entities scoring below quality.threshold are published for
//     enrichment.
//   - Scheduler: cron passes start due sources, reconcile jobs whose callbacks went missing, flag stale jobs and run
//     a nightly full dedup pass. With redis.addr set each pass holds a lease so only one replica runs it.
//
// Operational notes:
//   - Without database.dsn every store is in memory; use it for local runs only.
//   - Jobs still queued at shutdown remain in processing and are re-queued by the next reconcile pass.
//   - Run locally: go run ./cmd/booth-crawler serve --config config.yaml (or rely solely on BOOTHS_* env vars).
//   - Schema: go run ./cmd/booth-crawler migrate up, or set database.auto_migrate.
package main
