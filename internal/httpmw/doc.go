// Package httpmw provides HTTP middleware for the public API listener.
//
// httpserver.NewHandler composes them outermost first: panic recovery,
// security headers, request id, client identifier, tracing, metrics,
// request-scoped logger and access log, then the chi router. Rate limits
// are applied per route inside the router.
//
// Query strings are logged only as span attributes and user agents are not
// logged at all.
package httpmw
