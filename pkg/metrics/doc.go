/*
Package metrics exposes the dispatcher's Prometheus metrics: in-flight
worker counts by instrument, job outcomes, and heartbeat activity. All
metrics are registered at package init and served by Handler, mounted
by cmd/agent on the configured metrics listener alongside /healthz.
*/
package metrics
