package gateway

import (
	"encoding/json"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// paramsSchema describes the "params" object of job.run and job.estimate.
// Unset fields keep the configured defaults, so nothing is required here.
const paramsSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "task":                {"type": "string", "pattern": "^[a-z0-9]+-[A-Za-z0-9]+$"},
    "size":                {"type": "string", "pattern": "^[0-9]+\\*[0-9]+$"},
    "ckpt_dir":            {"type": "string"},
    "prompt":              {"type": "string"},
    "image":               {"type": "string"},
    "fps":                 {"type": "integer", "minimum": 1, "maximum": 120},
    "length_seconds":      {"type": "number", "exclusiveMinimum": 0},
    "steps":               {"type": "integer", "minimum": 0, "maximum": 200},
    "offload_model":       {"type": "boolean"},
    "convert_model_dtype": {"type": "boolean"},
    "t5_cpu":              {"type": "boolean"},
    "output_dir":          {"type": "string"},
    "output_name":         {"type": "string"}
  }
}`

var (
	paramsSchemaOnce     sync.Once
	compiledParamsSchema *jsonschema.Schema
	paramsSchemaErr      error
)

func compiledParams() (*jsonschema.Schema, error) {
	paramsSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiledParamsSchema, paramsSchemaErr = compiler.Compile([]byte(paramsSchema))
	})
	return compiledParamsSchema, paramsSchemaErr
}

// validateParams checks raw generation params before they are overlaid on
// the defaults. An empty payload is valid.
func validateParams(op string, raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return invalidPayload(op, err.Error())
	}
	schema, err := compiledParams()
	if err != nil {
		return invalidPayload(op, "params schema: "+err.Error())
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return invalidPayload(op, "params: "+result.Error())
	}
	return nil
}
