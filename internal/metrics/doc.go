// Package metrics provides Prometheus metrics for monitoring.
//
// Collectors are grouped per component (connections, poller, upstream,
// source) and registered on an explicit registry so tests can build
// isolated instances. Every method is safe on a nil receiver.
package metrics
