// Package policy integrates the Open Policy Agent (OPA) engine with the pipeline
// engine so routing decisions can be expressed in Rego.
//
// A policy step evaluates a decision document over the current message and
// session and returns the forward to follow, optionally replacing the message.
// The package is decoupled from the executor so policies can be tested and
// hot-reloaded independently.
package policy
