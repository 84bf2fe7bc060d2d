// Package tools defines the tools offered to the chat model and the JSON
// Schema helpers used to describe their inputs.
package tools

import (
	"github.com/anthropics/anthropic-sdk-go"
)

// Definition describes one tool the model may call.
type Definition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Param converts the definition into the Messages API tool parameter.
func (d Definition) Param() anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{
		Properties: d.InputSchema["properties"],
	}
	if required, ok := d.InputSchema["required"].([]string); ok {
		schema.Required = required
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        d.Name,
			Description: anthropic.String(d.Description),
			InputSchema: schema,
		},
	}
}

// Params converts a set of definitions.
func Params(defs ...Definition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Param())
	}
	return out
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property with optional description.
func StringProperty(description string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": description,
	}
}

// IntegerProperty creates an integer property bounded to [min, max].
func IntegerProperty(description string, min, max int) map[string]any {
	return map[string]any{
		"type":        "integer",
		"description": description,
		"minimum":     min,
		"maximum":     max,
	}
}
