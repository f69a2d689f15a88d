// Package ratelimit counts requests per client identifier in fixed windows
// and rejects the ones over budget with 429.
//
// WindowLimiter is the default: in-memory, single instance, one mutex around
// the check-and-increment. Entries whose window has passed are only swept
// once the table grows past its high-water mark, so memory stays bounded
// without a background goroutine.
//
// RedisLimiter keeps the same windows in Redis so several instances share a
// budget. It is optional and only used when an address is configured.
//
// Identifiers come from forwarding headers (see httpmw.ClientIdentifier) and
// can be spoofed by clients that reach the server without a proxy
// overwriting them. This is a throttle for well-behaved traffic and a cost
// guard for paid upstream APIs, not an abuse boundary.
package ratelimit
