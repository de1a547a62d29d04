package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/vantagedata/vantage-mcp/mcp"
)

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description string
	ttl         time.Duration
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithTTL sets the response-cache lifetime for the tool's results.
// Tools built without this option are not cached.
func WithTTL(ttl time.Duration) ToolOption {
	return func(c *toolConfig) { c.ttl = ttl }
}

// NewTool constructs a ToolDefinition from a typed args struct A. It reflects
// a JSON schema from A using invopop/jsonschema, down-converts it to the
// protocol's simplified input schema, and wraps fn with strict JSON decoding
// (unknown fields rejected).
func NewTool[A any](name string, fn func(ctx context.Context, args A) (any, error), opts ...ToolOption) ToolDefinition {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](),
	}

	handler := func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return nil, &InvalidArgumentsError{Detail: err.Error()}
			}
		}
		return fn(ctx, a)
	}

	return ToolDefinition{Descriptor: desc, Handler: handler, TTL: cfg.ttl}
}

// reflectInputSchema reflects a Go type A into the simplified
// mcp.ToolInputSchema. Non-object shapes collapse to an empty object schema.
func reflectInputSchema[A any]() mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(new(A))

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]mcp.SchemaProperty{},
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toSchemaProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// toSchemaProperty recursively maps a jsonschema.Schema to the simplified
// protocol schema node.
func toSchemaProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toSchemaProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toSchemaProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
