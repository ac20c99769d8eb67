// Package ratelimit provides keyed token-bucket rate limiting with
// background eviction of stale entries.
//
// Two limiters run in the server: a per-IP limiter in front of every public
// route and a stricter per-user limiter on uploads, keyed by the
// authenticated user id.
//
// This is a single-instance, in-memory limiter for basic abuse prevention.
// It does not protect against distributed attacks, bandwidth-bill attacks
// (the request body is already accepted by the time this runs), or load
// that stays under the limit. For those, use an upstream WAF or CDN-level
// rate limiting.
package ratelimit
