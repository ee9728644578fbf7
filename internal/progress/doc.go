// Package progress carries worker attempt events from the collection loop to
// pluggable sinks. Emit never blocks the worker; a background goroutine
// batches events and fans them out.
package progress
