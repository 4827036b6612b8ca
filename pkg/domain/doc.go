// Package domain defines the core types and capability interfaces of the conduit
// pipeline engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, HTTP, queue, etc.)
// - Technology-agnostic (no framework coupling)
// - Testable in isolation without mocks
//
// Other packages (engine, storage, telemetry, config) implement the interfaces defined
// here and depend on these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// The pipeline graph (Pipeline, Step, Exit) is immutable once validated. The only
// per-run mutable state is the Session.
package domain
