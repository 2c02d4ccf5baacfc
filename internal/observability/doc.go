// Package observability builds the gateway's zap logger and its Prometheus
// metrics.
//
// Metrics live on an instance registry so tests and multiple gateways in one
// process never collide on the global default registry.
package observability
