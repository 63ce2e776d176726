// Package main hosts the scrapewatch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job submission, a server-sent event relay per job,
//     the two-step cancellation dialog, and run history. Request bodies are validated before they reach the
//     controller.
//   - Controller: internal/controller.Tracker submits jobs to the scraping service and gives each one a Session.
//     A single goroutine per Session reads the job's progress stream, decodes every message and applies it to the
//     job's lifecycle.Machine. Malformed messages are counted and dropped; lost streams are re-opened with a bounded,
//     jittered backoff and marked stalled when the budget runs out.
//   - Collaborator: internal/collaborator speaks the scraping service's REST API (submit, cancel) and opens
//     progress feeds over SSE or WebSocket.
//   - Fan-out: sessions emit lifecycle events into a progress.Hub, which batches them off the hot path and hands
//     them to sinks: zap logs, Prometheus collectors, the run history store (memory/SQLite/Postgres), a Redis
//     status mirror, a Pub/Sub notification per finished job, and a JSON archive (local disk or GCS).
//   - Configuration & plumbing: Viper populates config from env/files (after an optional .env preload); zap provides
//     structured logging; Prometheus metrics are exported via the metrics middleware and /metrics handler.
//
// Operational notes:
//   - Detaching a job (DELETE /v1/scrapes/{handle}) or shutting the process down releases progress streams but never
//     cancels the job on the scraping service.
//   - The process reacts to SIGINT/SIGTERM by detaching all jobs, draining the HTTP server and flushing the hub.
//
// Quick checklist:
//   - Configure env vars: SCRAPEWATCH_SERVER_PORT, SCRAPEWATCH_COLLABORATOR_BASE_URL,
//     SCRAPEWATCH_COLLABORATOR_TRANSPORT=sse|websocket, SCRAPEWATCH_STORAGE_DRIVER and its DSN/path,
//     SCRAPEWATCH_CACHE_REDIS_ADDR, SCRAPEWATCH_PUBSUB_PROJECT_ID, SCRAPEWATCH_ARCHIVE_DRIVER.
//   - Run locally: go run ./cmd/scrapewatch -config config.yaml (or rely solely on env overrides).
package main
