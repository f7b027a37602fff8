package liveblog

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// postSchema is the minimal shape a raw source post must have before the
// converter walks it. Anything failing the gate degrades to an empty
// conversion result instead of an error.
const postSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["guid"],
	"properties": {
		"guid": {"type": "string", "minLength": 1},
		"blog": {"type": ["string", "integer"]},
		"_created": {"type": "string"},
		"_updated": {"type": "string"},
		"groups": {
			"type": "array",
			"items": {"type": "object"}
		}
	}
}`

var (
	postSchemaOnce     sync.Once
	compiledPostSchema *jsonschema.Schema
	postSchemaErr      error
)

func loadPostSchema() (*jsonschema.Schema, error) {
	postSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(postSchema))
		if err != nil {
			postSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("post.schema.json", doc); err != nil {
			postSchemaErr = err
			return
		}
		compiledPostSchema, postSchemaErr = compiler.Compile("post.schema.json")
	})
	return compiledPostSchema, postSchemaErr
}

// validatePost reports whether raw satisfies the post schema.
func validatePost(raw map[string]any) bool {
	schema, err := loadPostSchema()
	if err != nil {
		return true
	}
	return schema.Validate(normalizeForSchema(raw)) == nil
}

// normalizeForSchema deep-copies raw into plain JSON types so validation does
// not depend on how the document was decoded.
func normalizeForSchema(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeForSchema(item)
		}
		return out
	default:
		return v
	}
}
