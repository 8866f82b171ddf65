// Package instrumentation provides OpenTelemetry metrics and tracing for the
// security plane. When disabled it uses no-op providers with zero overhead,
// so components can record unconditionally.
package instrumentation
