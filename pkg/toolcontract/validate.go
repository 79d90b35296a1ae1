package toolcontract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// validateContract rejects structurally invalid contracts.
func validateContract(c ToolContract) error {
	if c.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if c.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	seen := make(map[string]bool, len(c.Parameters))
	for i, p := range c.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true

		if !p.Type.IsValid() {
			return fmt.Errorf("invalid parameter type %q for %s", p.Type, p.Name)
		}
	}

	return nil
}

// compileSchema builds the validation schema and the public schema document for a contract,
// and checks that declared enum values and defaults satisfy their own parameter type.
func compileSchema(c ToolContract) (*gojsonschema.Schema, map[string]interface{}, error) {
	properties := make(map[string]interface{}, len(c.Parameters))
	required := []string{}

	for _, p := range c.Parameters {
		prop := map[string]interface{}{}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type != TypeAny {
			prop["type"] = string(p.Type)
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop

		if p.Required {
			required = append(required, p.Name)
		}
	}

	// Missing parameters are reported by validateParams, so the validation schema carries no
	// "required" list and allows unknown keys.
	validationDoc := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(validationDoc))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile parameter schema: %w", err)
	}

	for _, p := range c.Parameters {
		if p.Type == TypeAny {
			continue
		}
		typeOnly := map[string]interface{}{"type": string(p.Type)}
		for _, v := range p.Enum {
			if err := checkValue(typeOnly, v); err != nil {
				return nil, nil, fmt.Errorf("enum value %v of %s: %w", v, p.Name, err)
			}
		}
	}
	for _, p := range c.Parameters {
		if p.Default == nil {
			continue
		}
		violations := runSchema(schema, map[string]interface{}{p.Name: p.Default})
		if len(violations) > 0 {
			return nil, nil, fmt.Errorf("default of %s: %s", p.Name, violations[0].Message)
		}
	}

	document := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		document["required"] = required
	}

	return schema, document, nil
}

func checkValue(schemaDoc map[string]interface{}, value interface{}) error {
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schemaDoc), gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}
	if !result.Valid() {
		return fmt.Errorf("%s", result.Errors()[0].Description())
	}
	return nil
}

// Validate checks params against the named contract and returns the bag the handler may see:
// declared parameters only, with defaults substituted. All violations are collected into one
// *CallError of kind validation_failed.
func (r *Registry) Validate(name string, params map[string]interface{}) (map[string]interface{}, error) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, r.NotFound(name)
	}

	validated, violations := validateParams(e.contract, e.schema, params)
	if len(violations) > 0 {
		return nil, ValidationError(name, violations)
	}
	return validated, nil
}

func validateParams(c ToolContract, schema *gojsonschema.Schema, params map[string]interface{}) (map[string]interface{}, []Violation) {
	validated := make(map[string]interface{}, len(c.Parameters))
	var violations []Violation

	for _, p := range c.Parameters {
		value, present := params[p.Name]
		if present && value != nil {
			validated[p.Name] = value
			continue
		}
		if p.Default != nil {
			validated[p.Name] = cloneValue(p.Default)
			continue
		}
		if p.Required {
			violations = append(violations, Violation{
				Parameter: p.Name,
				Code:      CodeMissingRequired,
				Message:   fmt.Sprintf("missing required parameter '%s' (%s)", p.Name, p.Type),
			})
		}
	}

	violations = append(violations, runSchema(schema, validated)...)
	sortViolations(violations, c.Parameters)

	return validated, violations
}

func runSchema(schema *gojsonschema.Schema, doc map[string]interface{}) []Violation {
	if schema == nil || len(doc) == 0 {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []Violation{{
			Code:    CodeInvalid,
			Message: fmt.Sprintf("parameters could not be checked: %v", err),
		}}
	}
	if result.Valid() {
		return nil
	}

	violations := make([]Violation, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		violations = append(violations, violationFromSchema(re))
	}
	return violations
}

func violationFromSchema(re gojsonschema.ResultError) Violation {
	param := re.Field()
	if i := strings.Index(param, "."); i > 0 {
		param = param[:i]
	}

	code := CodeInvalid
	switch re.Type() {
	case "invalid_type":
		code = CodeInvalidType
	case "enum":
		code = CodeNotInEnum
	}

	return Violation{
		Parameter: param,
		Code:      code,
		Message:   fmt.Sprintf("parameter '%s': %s", param, re.Description()),
	}
}

// sortViolations orders violations by declaration order so messages are stable.
func sortViolations(violations []Violation, params []ToolParameter) {
	order := make(map[string]int, len(params))
	for i, p := range params {
		order[p.Name] = i
	}
	sort.SliceStable(violations, func(i, j int) bool {
		oi, iok := order[violations[i].Parameter]
		oj, jok := order[violations[j].Parameter]
		if !iok {
			oi = len(params)
		}
		if !jok {
			oj = len(params)
		}
		return oi < oj
	})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func cloneDocument(doc map[string]interface{}) map[string]interface{} {
	out, _ := cloneValue(doc).(map[string]interface{})
	return out
}
