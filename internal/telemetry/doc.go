// Copyright (c) AgentHive Authors.
// Licensed under the MIT License.

/*
Package telemetry initializes the OpenTelemetry SDK.

Init builds OTLP gRPC trace and metric exporters from
config.TelemetryConfig, installs them as the global providers, and
registers the W3C trace-context and baggage propagators. The request
middleware and anything else calling otel.Tracer picks the providers up
globally. When telemetry is disabled Init returns noop Providers and
never dials the collector.
*/
package telemetry
