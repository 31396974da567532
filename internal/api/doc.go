// Package api serves the read-only status endpoints of a running crawl:
//   - GET /healthz and /readyz for probes; readyz fails once the browser
//     session is TERMINATED.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the session state snapshot.
//   - GET /v1/notes, /v1/notes/{id} and /v1/report for collected results.
package api
