// Package sinks implements progress consumers: structured logs, Prometheus
// collectors and the server-sent event broadcaster.
package sinks
