// Package api hosts the HTTP server, middleware, and REST handlers the
// operator dashboard talks to. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrapes to start a job, GET /v1/scrapes/{handle}/events to
//     follow it as a server-sent event stream.
//   - POST /v1/scrapes/{handle}/cancel/prompt and /cancel for the two-step
//     cancellation dialog; DELETE /v1/scrapes/{handle} to keep the job
//     running in the background.
//   - GET /v1/runs and /v1/runs/{handle} for run history via the
//     store.RunRepository interface.
package api
