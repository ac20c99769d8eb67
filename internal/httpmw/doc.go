// Package httpmw provides HTTP middleware for the public-facing server.
//
// httpserver.NewHandler composes it outermost first: security headers,
// recover, request ID, client IP, rate limiting, tracing, metrics, the
// request logger, then the chi router with compression, route annotation
// and the access log. Site routes add SiteSecurityHeaders and the API adds
// authentication on their own sub-routers.
//
// Query strings and request headers stay out of logs; they are user data.
package httpmw
