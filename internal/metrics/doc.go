// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package metrics collects Prometheus metrics for the AgentHive
coordination service.

A single Collector registers every metric family under one namespace on
the default registry via promauto; callers record through its methods
and expose the result with promhttp on the metrics listener.

# Metric families

  - HTTP: request totals by method/path/status class, latency, and
    request/response body sizes. Status codes are folded into 2xx..5xx
    classes to bound label cardinality.
  - Task lifecycle: submitted/cancelled/escalated counters and a
    per-stage gauge of tasks held by the lifecycle manager.
  - Delivery queue: ready depth per priority lane plus delayed,
    in-flight and dead-letter gauges.
  - Agent pool: registered agents by status, circuit breakers by state,
    and a per-agent breaker transition counter.
  - Database: open/idle connection gauges and query latency.

Counters are recorded at their call sites (HTTP middleware, API
handlers, the escalation sink, breaker event subscriptions). Gauges are
refreshed by a periodic pump that polls the queue, registry, breaker
set and lifecycle manager.
*/
package metrics
