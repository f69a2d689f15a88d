// Package health provides composable liveness and readiness probes and the
// HTTP handlers that serve them on the ops listener.
//
// [ShutdownGate] fails readiness as soon as shutdown begins so the load
// balancer stops routing before in-flight requests drain. [Latch] keeps
// readiness failing until startup work such as loading the store catalog
// has finished.
package health
