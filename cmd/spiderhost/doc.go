// Package main hosts the spiderhost entrypoint.
//
// Architecture overview:
//   - Supervisor: internal/supervisor loads spider units built from the catalog, runs each one's Run on its own
//     goroutine, and unloads them by sealing allocation, cancelling the session context, awaiting Run and then
//     calling the unit's Unload.
//   - Threads: internal/broker grants background threads through internal/ledger, which enforces per-spider and
//     global limits and rejects duplicate names. Refusals are never errors; they return a reason and raise an
//     advisory.
//   - Storage: internal/tabular fronts a memory, Postgres or SQLite engine; internal/kv namespaces key/value data per
//     spider over memory, Postgres, SQLite, Redis, GCS or a local directory.
//   - Advisories: the advisory Hub batches notices to zap, Prometheus and optionally Pub/Sub, while a Recorder keeps
//     the recent ones for the admin API.
//
// Quick checklist:
//   - Configure via a YAML file passed with --config, or SPIDERHOST_* environment overrides.
//   - Run locally: go run ./cmd/spiderhost serve --config spiderhost.yaml
//   - One-shot: go run ./cmd/spiderhost run <spider-id> --timeout 5m
package main
