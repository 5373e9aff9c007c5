package config

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// The schema is embedded so a deployed daemon validates definitions without
// any filesystem dependency.
//
//go:embed stepscan_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema exactly once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = scanerrors.NewConfigError("embedded schema 'stepscan_schema_v1.0.0.json' is empty or not found", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = scanerrors.NewConfigError("failed to compile embedded schema 'stepscan_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates a scan definition YAML document against the
// embedded v1.0.0 schema. The YAML is parsed into generic Go values first
// because the validator operates on JSON-like structures.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var jsonData interface{}
	if err := yaml.Unmarshal(documentYAML, &jsonData); err != nil {
		return scanerrors.NewConfigError("failed to parse scan definition YAML for schema validation", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(jsonData))
	if err != nil {
		return scanerrors.NewConfigError("schema validation process failed", err)
	}

	if !result.Valid() {
		errMsg := "scan definition failed JSON schema validation:"
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "(root)" || field == "" {
				field = desc.Context().String()
			}
			errMsg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
		}
		return scanerrors.NewValidationError(errMsg, nil)
	}
	return nil
}
