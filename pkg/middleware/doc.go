// Package middleware provides coordinator middleware for observability:
// OpenTelemetry tracing and Prometheus metrics over inbound frames.
package middleware
