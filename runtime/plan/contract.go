package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/runtime/fault"
)

// ValidateContract checks the structural invariants of an I/O contract and,
// when the contract declares an input schema, compiles it and validates the
// bound inputs against it.
func ValidateContract(c *Contract) error {
	for name, typ := range c.Outputs {
		if name == "" {
			return fault.Validation("contract.outputs", "output name must not be empty")
		}
		if typ == "" {
			return fault.Validation("contract.outputs", "output %q declares no type", name)
		}
	}
	if len(c.InputSchema) == 0 {
		return nil
	}
	schema, err := compileSchema(c.InputSchema)
	if err != nil {
		return fault.Wrap(fault.KindValidation, "contract input schema does not compile", err)
	}
	if len(c.Inputs) == 0 {
		// Unbound template; nothing to validate yet.
		return nil
	}
	if err := schema.Validate(toJSONValue(c.Inputs)); err != nil {
		return fault.Wrap(fault.KindValidation, "contract inputs violate schema", err)
	}
	return nil
}

// RequiredOutputFields returns the declared output names, i.e. the fields
// verification demands in the execution result.
func (c *Contract) RequiredOutputFields() []string {
	fields := make([]string, 0, len(c.Outputs))
	for name := range c.Outputs {
		fields = append(fields, name)
	}
	return fields
}

func compileSchema(doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("contract.json", parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile("contract.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// toJSONValue round-trips a value through encoding/json so the validator sees
// only JSON-native types (map[string]any, []any, float64, string, bool, nil).
func toJSONValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
