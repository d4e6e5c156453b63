// Package api hosts the admin HTTP surface of the harvester. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the controller snapshot.
//   - GET /v1/challenge and POST /v1/challenge/done for the manual
//     challenge signal.
//
// Everything under /v1 requires the X-API-Key header when a key is set.
package api
