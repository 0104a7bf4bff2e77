package pipeline

import (
	"embed"
	"encoding/json"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/rotisserie/eris"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaSplit        = "split"
	schemaRefine       = "refine"
	schemaDecision     = "decision"
	schemaVerification = "verification"
)

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		compiled := make(map[string]*jsonschema.Schema)
		for _, name := range []string{schemaSplit, schemaRefine, schemaDecision, schemaVerification} {
			data, err := schemaFS.ReadFile("schemas/" + name + ".json")
			if err != nil {
				schemasErr = eris.Wrapf(err, "pipeline: read schema %s", name)
				return
			}
			compiler := jsonschema.NewCompiler()
			schema, err := compiler.Compile(data)
			if err != nil {
				schemasErr = eris.Wrapf(err, "pipeline: compile schema %s", name)
				return
			}
			compiled[name] = schema
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// decodeOutput cleans a model reply, validates it against the named output
// schema and unmarshals it into v.
func decodeOutput(name, text string, v any) error {
	all, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[name]
	if !ok {
		return eris.Errorf("pipeline: unknown schema %s", name)
	}

	data := []byte(cleanJSON(text))
	if !json.Valid(data) {
		return eris.Errorf("pipeline: %s output is not valid JSON", name)
	}
	result := schema.ValidateJSON(data)
	if !result.IsValid() {
		return eris.Errorf("pipeline: %s output failed schema validation: %v", name, result.Errors)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrapf(err, "pipeline: decode %s output", name)
	}
	return nil
}
