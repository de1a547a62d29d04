package registry

import (
	"encoding/json"
	"fmt"

	"github.com/vantagedata/vantage-mcp/mcp"
)

// InvalidArgumentsError reports a schema-validation failure for a tool call.
// The dispatcher maps it to JSON-RPC -32602.
type InvalidArgumentsError struct {
	Detail string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", e.Detail)
}

// ValidateArguments checks raw against the declared input schema: required
// fields must be present, every present field must match its declared type,
// and unknown fields are rejected unless the schema allows them. Validation
// runs before any cache lookup or handler invocation, so bad input has no
// side effects.
func ValidateArguments(schema mcp.ToolInputSchema, raw json.RawMessage) error {
	args := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return &InvalidArgumentsError{Detail: "arguments must be a JSON object"}
		}
	}

	for _, req := range schema.Required {
		if _, ok := args[req]; !ok {
			return &InvalidArgumentsError{Detail: fmt.Sprintf("missing required field %q", req)}
		}
	}

	for name, val := range args {
		prop, ok := schema.Properties[name]
		if !ok {
			if schema.AdditionalProperties {
				continue
			}
			return &InvalidArgumentsError{Detail: fmt.Sprintf("unknown field %q", name)}
		}
		if err := checkType(name, prop, val); err != nil {
			return err
		}
	}

	return nil
}

func checkType(name string, prop mcp.SchemaProperty, val json.RawMessage) error {
	// A null value is treated as absent; required-ness was already checked
	// against presence, matching the lenient decoding of encoding/json.
	if string(val) == "null" {
		return nil
	}

	switch prop.Type {
	case "", "object":
		var m map[string]json.RawMessage
		if err := json.Unmarshal(val, &m); err != nil {
			return typeMismatch(name, "object")
		}
	case "string":
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			return typeMismatch(name, "string")
		}
	case "number":
		var f float64
		if err := json.Unmarshal(val, &f); err != nil {
			return typeMismatch(name, "number")
		}
	case "integer":
		var f float64
		if err := json.Unmarshal(val, &f); err != nil || f != float64(int64(f)) {
			return typeMismatch(name, "integer")
		}
	case "boolean":
		var b bool
		if err := json.Unmarshal(val, &b); err != nil {
			return typeMismatch(name, "boolean")
		}
	case "array":
		var items []json.RawMessage
		if err := json.Unmarshal(val, &items); err != nil {
			return typeMismatch(name, "array")
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := checkType(fmt.Sprintf("%s[%d]", name, i), *prop.Items, item); err != nil {
					return err
				}
			}
		}
	default:
		return &InvalidArgumentsError{Detail: fmt.Sprintf("field %q has unsupported schema type %q", name, prop.Type)}
	}

	if len(prop.Enum) > 0 {
		var got any
		if err := json.Unmarshal(val, &got); err != nil {
			return typeMismatch(name, prop.Type)
		}
		for _, allowed := range prop.Enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", got) {
				return nil
			}
		}
		return &InvalidArgumentsError{Detail: fmt.Sprintf("field %q is not one of the allowed values", name)}
	}

	return nil
}

func typeMismatch(name, want string) error {
	return &InvalidArgumentsError{Detail: fmt.Sprintf("field %q must be a %s", name, want)}
}
