package elicitation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaResource names the compiled document inside its compiler; each
// elicitation's schema is compiled in isolation, so the name never collides.
const schemaResource = "response.schema.json"

// CompileSchema compiles an elicitation's response schema. Create calls it
// to fail fast on malformed schemas; Respond calls it again to validate
// accept payloads. An empty schema means any response payload is acceptable
// and yields (nil, nil).
func CompileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("response schema is not valid JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("add response schema: %w", err)
	}
	sch, err := c.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("compile response schema: %w", err)
	}
	return sch, nil
}

// ValidateResponse checks an accept payload against a compiled schema. A nil
// schema accepts everything; an absent payload validates as JSON null.
func ValidateResponse(sch *jsonschema.Schema, payload json.RawMessage) error {
	if sch == nil {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("response payload is not valid JSON: %w", err)
	}
	return sch.Validate(inst)
}
