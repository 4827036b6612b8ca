// Package engine runs message pipelines: directed graphs of named steps whose
// handlers pick the forward to follow until an exit is reached.
//
// Layout:
//
// executor.go         - Executor, the graph walk and the input/output validators and wrappers
// chain.go            - ChainBuilder and the default step and pipeline decorator chains
// handlers_builtin.go - HandlerRegistry and the built-in step handlers (echo, fixed, policy.opa, ...)
// config.go           - PipelineRegistry with atomic snapshot updates
// graph.go            - Transition graph analysis and DOT rendering with a duration heatmap
// http_handler.go     - HTTP adapter exposing runs, graphs and statistics
// namespaces.go       - namespace-free copy of XML messages kept in the session
//
// Cross-cutting behaviour such as locking, transactions, caching and
// statistics lives in the processors subpackage and is composed around every
// step and run by the executor.
package engine
