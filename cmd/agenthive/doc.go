// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package main is the AgentHive server executable.

cmd/agenthive assembles the coordination core behind the HTTP API and
drives it with subcommands: serve starts the server, migrate manages the
database schema, version and health support packaging and probes. The
process loads YAML configuration with AGENTHIVE_* environment overrides,
logs through zap, exports Prometheus metrics on a dedicated listener,
and ships traces via OpenTelemetry when enabled.

# Core types

  - Server               — assembles the hive facade, archive, collector and the two listeners
  - Middleware           — func(http.Handler) http.Handler, composed with Chain
  - metricsResponseWriter — captures status and body size for the request metrics

# Capabilities

  - Subcommands: serve, migrate (up, down, status, version, goto, force, reset), version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders, RequestLogger,
    MetricsMiddleware, OTelTracing, CORS, RateLimiter (per IP),
    Auth (X-API-Key or HS256/RS256 bearer tokens)
  - Task archive: optional GORM-backed persistence with retention sweeps;
    a failed database degrades to running without history
  - Gauge sampling: queue depths, agent statuses, breaker states and task
    stages refreshed on a fixed interval
  - Graceful shutdown: signal context cancels the errgroup, listeners
    drain, then core, archive, pool and telemetry close in order
  - Build injection: Version, BuildTime, GitCommit via ldflags
*/
package main
