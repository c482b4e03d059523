// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package types provides the shared type definitions of the AgentHive
coordination core.

types is the lowest-level package with no internal dependencies. The
registry, health monitor, load balancer, queue, fault-tolerance and
lifecycle packages all build on the contracts defined here, which keeps
the dependency graph acyclic.

# Core types

  - AgentRecord       — registered agent with capabilities, status, metrics and a CAS version
  - Capability        — closed tag set of routable work units, with set-intersection matching
  - AgentStatus       — registered / healthy / degraded / unhealthy / offline
  - HealthMetrics     — the ten sampled metric classes (latency, error rate, throughput, ...)
  - Task              — unit of work moving through the lifecycle state machine
  - Priority          — critical / high / normal / low, with per-priority dispatch budgets
  - TaskStage         — created → queued → dispatched → processing → terminal stages
  - Message           — flat wire envelope with correlation id and hop/audit trail
  - Error / ErrorCode — structured error taxonomy with Retryable and HTTP status mapping

# Capabilities

  - Context propagation: WithTraceID / WithTenantID / WithUserID
  - Error helpers: AsError / IsErrorCode / IsRetryable / GetErrorCode
  - Envelope helpers: NewRequest / NewNotification / NewResponse / ParseMessage
*/
package types
