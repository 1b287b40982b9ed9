// Package health holds the probes behind the ops listener's liveness and
// readiness endpoints.
//
// Readiness for jsongate is the AND of the shutdown gate and the audit sink:
// an instance that is draining, or whose audit records are piling up
// undelivered, should stop receiving traffic. Liveness stays fixed.
package health
