// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package handlers implements the HTTP request handlers of the AgentHive
coordination API.

# Overview

Every management endpoint is served here: task submission, status, and
cancellation, agent registration, heartbeats, listing, per-agent health,
plus the liveness, readiness, and version probes. Handlers follow the
standard net/http signature and are mounted by the serve command, which
also owns the middleware chain.

# Core types

  - TaskHandler    task lifecycle routes backed by lifecycle.Manager
  - AgentHandler   agent management routes backed by registry and monitor
  - HealthHandler  probe routes with pluggable readiness checks
  - Response       uniform JSON envelope (success + data + error + timestamp)
  - ErrorInfo      structured error body with code and retryable flag
  - ResponseWriter status-capturing http.ResponseWriter wrapper
  - PingCheck      readiness probe adapter for ping-style functions

# Conventions

WriteSuccess and WriteError render the envelope; domain errors pass
through WriteDomainError, which keeps typed codes and maps them onto
HTTP statuses. Request bodies are strict JSON: unknown fields rejected,
1 MB cap, Content-Type enforced on mutating routes.
*/
package handlers
