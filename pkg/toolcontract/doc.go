// Package toolcontract declares tool contracts and validates and dispatches calls against them.
//
// Invariants:
// - Tool names are unique; registering a name again replaces the previous contract.
// - A handler only ever receives parameters that passed Validate.
// - Every validation violation is reported, not just the first.
// - Handler errors, panics and deadline expiry become failed ToolCallResults; they never escape.
//
// Usage:
//
//	reg := toolcontract.NewRegistry(toolcontract.DefaultConfig())
//	_ = reg.Register(toolcontract.ToolContract{
//		Name:       "echo",
//		Parameters: []toolcontract.ToolParameter{{Name: "value", Type: toolcontract.TypeString, Required: true}},
//	}, func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
//		return map[string]interface{}{"echo": params["value"]}, nil
//	})
//	result := reg.Invoke(ctx, "echo", map[string]interface{}{"value": "hi"})
package toolcontract
