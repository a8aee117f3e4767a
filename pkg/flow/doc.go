// Package flow implements the event/session coordinator.
//
// A Coordinator pairs one running script with one remote peer identity.
// It owns the session state store and the event-value map, detects peer
// changes and resets shared state atomically, acknowledges every inbound
// event, and reruns the bound script on a dedicated worker goroutine so
// the transport's read loop is never blocked by script execution.
//
// The coordinator is constructor-injected everywhere it is used: the
// transport client calls HandleFrame, the component builder emits through
// it, and the host waits on WaitUntilReady. There is no package-level
// singleton state.
package flow
