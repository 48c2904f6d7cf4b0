// Package api hosts the HTTP server, middleware, and REST handlers for the
// card catalog. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/draw?type= to draw a random card link.
//   - GET /v1/catalog for committed catalog counts.
//   - GET /v1/confirmations and POST /v1/confirmations/{id} to answer a
//     pending size-drift confirmation.
package api
