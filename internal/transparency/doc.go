// Package transparency makes the kernel's settled states observable.
//
// After every command settles the kernel emits an Event on the bus: the new
// tree, the command that produced it and the slices it changed. Failures that
// never reach the tree (handler errors, persistence errors, rule errors) are
// emitted too. Subscribers such as the watch view and tests read events from
// buffered channels; a slow subscriber drops events instead of blocking the
// kernel.
package transparency
