// Package progress provides the session lifecycle event primitives and a
// non-blocking hub that batches events on a background goroutine and fans
// them out to pluggable sinks such as structured logs or Prometheus.
package progress
