package supervisor

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"dispatchd/internal/dispatch"
)

// structuredResultSchemaJSON is the schema from §4.3: the payload of the
// SDK-internal StructuredOutput tool.
const structuredResultSchemaJSON = `{
  "type": "object",
  "required": ["status", "summary"],
  "properties": {
    "status": {"type": "string", "enum": ["success", "partial", "failed", "blocked"]},
    "summary": {"type": "string"},
    "changes": {"type": "array", "items": {"type": "string"}},
    "issues": {"type": "array", "items": {"type": "string"}},
    "questions": {"type": "array", "items": {"type": "string"}},
    "pr_url": {"type": "string"}
  }
}`

var structuredResultSchema *jsonschema.Schema

func init() {
	var schemaDoc any
	if err := json.Unmarshal([]byte(structuredResultSchemaJSON), &schemaDoc); err != nil {
		panic(fmt.Sprintf("supervisor: invalid embedded structured result schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("structured-result.json", schemaDoc); err != nil {
		panic(fmt.Sprintf("supervisor: add schema resource: %v", err))
	}
	schema, err := c.Compile("structured-result.json")
	if err != nil {
		panic(fmt.Sprintf("supervisor: compile schema: %v", err))
	}
	structuredResultSchema = schema
}

// ValidateStructuredResult validates raw (the verbatim input of a
// StructuredOutput tool call) against the schema. On success it returns
// the decoded result; on failure it returns an error and the caller falls
// back to retaining the raw text per §4.3.
func ValidateStructuredResult(raw map[string]any) (*dispatch.StructuredResult, error) {
	if err := structuredResultSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("supervisor: structured result failed validation: %w", err)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("supervisor: re-marshal structured result: %w", err)
	}
	var result dispatch.StructuredResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("supervisor: decode structured result: %w", err)
	}
	return &result, nil
}
