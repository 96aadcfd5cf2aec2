package models

// ConfigSchema describes the configuration object of a connector or vector
// store in JSON Schema form, for clients that render settings forms.
type ConfigSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

// SchemaProperty is one configuration field.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Default     any             `json:"default,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
	// WriteOnly marks secrets that clients should not echo back.
	WriteOnly bool `json:"writeOnly,omitempty"`
}

// NewConfigSchema returns an object schema. A nil required list encodes as
// an empty array.
func NewConfigSchema(props map[string]SchemaProperty, required []string) ConfigSchema {
	if props == nil {
		props = map[string]SchemaProperty{}
	}
	if required == nil {
		required = []string{}
	}
	return ConfigSchema{Type: "object", Properties: props, Required: required}
}
