// Package governance coordinates the runtime safety controls applied around step
// invocations: per-step concurrency gates, timeout guards, circuit breaking and
// bounded in-invocation retries.
//
// The primitives here are process-local. Cross-process exclusion is the job of the
// distributed lock capability supplied to the engine, not of this package.
package governance
