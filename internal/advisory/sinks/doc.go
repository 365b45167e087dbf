// Package sinks implements advisory consumers: structured logs, Prometheus
// collectors, and an outbound publisher. Each satisfies advisory.Sink.
package sinks
