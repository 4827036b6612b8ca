// Package processors provides the cross-cutting decorators composed around step
// and pipeline invocations: input/output redirection, distributed locking,
// concurrency gating, statistics and tracing, message size checks, transactions
// with timeouts, circuit breaking, retries and caching.
//
// Every decorator that acquires a resource releases it on every exit path,
// including errors, cancellation and panics.
package processors
