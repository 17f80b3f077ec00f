// Package metrics exposes the proxy's Prometheus collectors and a DDSketch
// based latency tracker that backs the quantiles shown on the diagnostics
// endpoints.
package metrics
