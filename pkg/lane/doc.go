// Package lane provides per-conversation execution lanes for tool calls.
//
// Invariants:
//   - Exactly one Lane exists per id within a Manager.
//   - Serial calls on one lane complete in submission order; one call runs at a time.
//   - Calls run concurrently only through ExecuteParallel, and only for tools whose contract
//     allows it. Disallowed calls fail with parallel_not_allowed and never reach a handler.
//   - Lane stats are updated exactly once per executed call, by the owning lane.
//   - Across lanes there is no ordering guarantee.
//
// Usage:
//
//	manager := lane.NewManager(registry, lane.DefaultManagerConfig())
//	l, err := manager.GetOrCreate(conversationID)
//	if err != nil {
//		return err // capacity exceeded
//	}
//	result := l.ExecuteTool(ctx, "read_file", params, lane.WithTimeout(5*time.Second))
package lane
