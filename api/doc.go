// Package api holds the wire contract of the AgentHive coordination API.
//
// # API Overview
//
// AgentHive exposes a small REST surface for:
//   - Task submission, status queries, and cancellation
//   - Agent registration, heartbeats, and health inspection
//   - Liveness, readiness, version, and Prometheus metrics endpoints
//
// Handlers live in api/handlers; this package only defines the request
// and response payload types so embedders and external clients can share
// them without importing handler code.
//
// # Authentication
//
// Management endpoints accept either an API key or a bearer token:
//
//	X-API-Key: your-api-key
//	Authorization: Bearer <jwt>
//
// Probe endpoints (/healthz, /readyz, /version, /metrics) are exempt.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// All management routes are versioned under /api/v1.
package api
