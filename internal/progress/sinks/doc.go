// Package sinks implements concrete progress consumers: structured logging
// and Prometheus session metrics. Each sink satisfies progress.Sink.
package sinks
