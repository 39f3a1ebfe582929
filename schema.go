package kvblog

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/eringen/kvblog/content"
)

// metaSchemaJSON constrains the well-known meta keys. Other keys pass
// through untouched.
const metaSchemaJSON = `{
  "type": "object",
  "properties": {
    "title":   {"type": "string", "maxLength": 300},
    "date":    {"type": "string", "maxLength": 64},
    "excerpt": {"type": "string", "maxLength": 2000},
    "tags": {
      "type": "array",
      "maxItems": 32,
      "items": {"type": "string", "minLength": 1, "maxLength": 64}
    }
  }
}`

var metaSchema = jsonschema.MustCompileString("kvblog://post-meta.json", metaSchemaJSON)

// decodeMeta validates raw against the meta schema and decodes it. An absent
// or null document is the empty meta.
func decodeMeta(raw json.RawMessage) (content.PostMeta, error) {
	var meta content.PostMeta
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return meta, fmt.Errorf("meta: %w", err)
	}
	if err := metaSchema.Validate(doc); err != nil {
		return meta, fmt.Errorf("meta: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("meta: %w", err)
	}
	return meta, nil
}
