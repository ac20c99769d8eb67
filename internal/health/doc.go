// Package health provides composable health check probes and HTTP handlers
// for liveness and readiness endpoints.
//
// Probes combine with [All]. [Fixed], [Ping] and [DirWritable] cover the
// static, database and data-directory checks the server needs, and
// [CheckFunc] adapts a plain function into a [Probe].
//
// [ShutdownGate] coordinates graceful shutdown: once set, readiness fails
// so load balancers stop sending traffic before in-flight uploads drain.
package health
