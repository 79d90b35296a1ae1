// Package resourceguard tracks how much of a model's context budget a task is using and flags
// repeated actions that suggest the task is stuck in a loop.
//
// A Guard is task-scoped: call Reset at every task boundary. It is driven by the same serial
// turn loop that sequences model and tool calls, but its methods are safe for concurrent use.
//
// Nothing in this package returns an error or panics. Findings are advisory; the caller decides
// whether to compress, trim, change strategy or stop.
//
// Usage:
//
//	guard := resourceguard.New(resourceguard.DefaultConfig(), nil)
//	switch guard.Status(history) {
//	case resourceguard.StatusCritical, resourceguard.StatusOverflow:
//		history = guard.TrimMessages(history, 2, 10)
//	}
//	if loop, reason := guard.RecordAction(call.Name, call.Params); loop {
//		// ask the model to change strategy
//	}
package resourceguard
