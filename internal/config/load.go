package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	scanerrors "github.com/stepscan-labs/stepscan/pkg/stepscan/v1/errors"
)

// SupportedSchemaVersionConstraint is the major schema version this engine
// accepts in scan definitions.
const SupportedSchemaVersionConstraint = "v1"

// LoadScanDefinition parses scan definition YAML bytes: schema validation,
// strict unmarshalling, schema version compatibility, then logical
// validation of cross-field rules the JSON schema cannot express.
func LoadScanDefinition(definitionYAML []byte, filePathHint string) (*ScanDefinition, error) {
	if len(definitionYAML) == 0 {
		return nil, scanerrors.NewConfigError("scan definition content cannot be empty", nil)
	}

	if err := ValidateWithSchema(definitionYAML); err != nil {
		return nil, scanerrors.NewConfigError(fmt.Sprintf("scan definition '%s' failed schema validation", filePathHint), err)
	}

	var def ScanDefinition
	if err := yamlUnmarshalStrict(definitionYAML, &def); err != nil {
		return nil, scanerrors.NewConfigError(fmt.Sprintf("failed to parse scan definition YAML '%s'", filePathHint), err)
	}
	def.FilePath = filePathHint

	if def.SchemaVersion == "" {
		return nil, scanerrors.NewValidationError(fmt.Sprintf("scan definition '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	defSemVer := def.SchemaVersion
	if !strings.HasPrefix(defSemVer, "v") {
		defSemVer = "v" + defSemVer
	}
	if !semver.IsValid(defSemVer) {
		return nil, scanerrors.NewValidationError(fmt.Sprintf("scan definition '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, def.SchemaVersion), nil)
	}
	if semver.Major(defSemVer) != SupportedSchemaVersionConstraint {
		return nil, scanerrors.NewValidationError(
			fmt.Sprintf("scan definition '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, def.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	validationErrs := ValidateScanDefinition(&def)
	if len(validationErrs) > 0 {
		var errorMessages []string
		for _, vErr := range validationErrs {
			errorMessages = append(errorMessages, vErr.Error())
		}
		combinedMessage := fmt.Sprintf("scan definition '%s' has %d validation error(s):\n- %s",
			filePathHint, len(errorMessages), strings.Join(errorMessages, "\n- "))
		return nil, scanerrors.NewValidationError(combinedMessage, validationErrs[0])
	}

	return &def, nil
}

// LoadScanDefinitionFromFile reads a scan definition from disk.
func LoadScanDefinitionFromFile(filePath string) (*ScanDefinition, error) {
	if filePath == "" {
		return nil, scanerrors.NewConfigError("scan definition file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, scanerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, scanerrors.NewConfigError(fmt.Sprintf("failed to read scan definition file '%s'", absPath), err)
	}
	return LoadScanDefinition(yamlFile, absPath)
}

// yamlUnmarshalStrict disallows unknown fields so typos in definitions are
// caught at load time instead of silently ignored.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
