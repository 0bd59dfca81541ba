package parsing

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	invopop "github.com/invopop/jsonschema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"machinist/internal/logging"
	"machinist/internal/tool"
)

var (
	specSchemaOnce sync.Once
	specSchema     *jsonschema.Schema
	specSchemaJSON string
	specSchemaErr  error
)

// SpecSchemaJSON returns the JSON Schema describing a well-formed tool
// spec. It is reflected from the Spec struct itself and is what the spec
// prompt embeds, so the shape the model is asked for and the shape the
// gate enforces can never drift apart.
func SpecSchemaJSON() string {
	compileSpecSchema()
	return specSchemaJSON
}

func compileSpecSchema() {
	specSchemaOnce.Do(func() {
		reflector := invopop.Reflector{
			DoNotReference: true,
			Anonymous:      true,
		}
		reflected := reflector.Reflect(&tool.Spec{})

		raw, err := json.MarshalIndent(reflected, "", "  ")
		if err != nil {
			specSchemaErr = fmt.Errorf("failed to marshal spec schema: %w", err)
			return
		}
		specSchemaJSON = string(raw)

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(specSchemaJSON))
		if err != nil {
			specSchemaErr = fmt.Errorf("failed to load spec schema: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("spec.schema.json", doc); err != nil {
			specSchemaErr = fmt.Errorf("failed to register spec schema: %w", err)
			return
		}
		specSchema, specSchemaErr = compiler.Compile("spec.schema.json")
	})
}

// ParseSpec validates a spec-phase reply against the spec JSON Schema
// and decodes it. Any deviation from the schema is an error; there is
// no best-effort coercion.
func ParseSpec(text string) (tool.Spec, error) {
	compileSpecSchema()
	if specSchemaErr != nil {
		return tool.Spec{}, specSchemaErr
	}

	raw, err := ExtractJSON(text)
	if err != nil {
		return tool.Spec{}, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return tool.Spec{}, fmt.Errorf("spec is not valid JSON: %w", err)
	}

	if err := specSchema.Validate(value); err != nil {
		logging.ParsingDebug("spec rejected by schema: %v", err)
		return tool.Spec{}, fmt.Errorf("spec does not conform to schema: %w", err)
	}

	var spec tool.Spec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return tool.Spec{}, fmt.Errorf("failed to decode spec: %w", err)
	}

	if tool.Slug(spec.Name) == "" {
		return tool.Spec{}, fmt.Errorf("spec name %q has no usable identifier characters", spec.Name)
	}
	return spec, nil
}
