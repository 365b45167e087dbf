// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/spiders and /v1/spiders/{id} for lifecycle status, with
//     POST /v1/spiders/{id}/start and /unload to drive it.
//   - GET /v1/threads for the live thread ledger.
//   - GET /v1/advisories for recent advisories.
//   - GET /v1/tables and /v1/tables/{table}/last for read-only table access.
package api
