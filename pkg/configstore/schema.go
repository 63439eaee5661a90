package configstore

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/kindling-ai/kindling/pkg/engine"
)

// manifestSchema validates the shape of a bundle manifest document
const manifestSchema = `{
	"type": "object",
	"required": ["provider", "model"],
	"properties": {
		"provider": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1},
		"system_prompt": {"type": "string"},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"max_tokens": {"type": "integer", "minimum": 1},
		"tools": {
			"type": "array",
			"items": {"type": "string"}
		},
		"includes": {
			"type": "array",
			"items": {"type": "string"}
		}
	}
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ValidateManifest checks a configuration document against the manifest schema
func ValidateManifest(doc engine.Document) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("invalid manifest: %s", strings.Join(problems, "; "))
	}

	return nil
}
