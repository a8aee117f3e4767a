// Package component implements the declarative UI tree builder.
//
// A Builder turns construction calls into typed, uniquely identified nodes
// and pushes each finished node to its emitter as a component_update
// record. The frontend consumes the ordered stream and renders an
// evolving, possibly incomplete tree; there is no final-snapshot step.
//
// Nesting is expressed with explicit scopes rather than shared global
// state: Enter returns a Scope handle, and nodes created before the
// matching Close are attached to the entered node. One Builder serves one
// script execution pass and is single-writer by contract.
package component
