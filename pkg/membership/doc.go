// Package membership delivers cluster membership changes to in-process listeners.
//
// The heartbeat engine is the only producer. Listeners are invoked synchronously
// on the engine's goroutine, so a slow listener delays the next heartbeat tick.
// A listener that returns an error or panics is logged and skipped; the rest
// still run. Isolation is delivered before the process fences itself, which makes
// OnNodeIsolated the last chance to release cluster-wide resources.
package membership
