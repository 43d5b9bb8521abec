package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	asrerrors "github.com/systmms/asr/internal/errors"
)

//go:embed schema.json
var schemaJSON string

var (
	schemaLoader = gojsonschema.NewStringLoader(schemaJSON)
	validate     = validator.New(validator.WithRequiredStructEnabled())
)

// validateSchema checks the raw file against the embedded JSON schema
// before it is decoded, so unknown keys and wrong types are reported
// with their location
func validateSchema(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return asrerrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if doc == nil {
		return nil
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return asrerrors.ConfigError{
			Message:    fmt.Sprintf("configuration cannot be checked: %v", err),
			Suggestion: "Use string keys only",
		}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(jsonData))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	var messages []string
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}
	return asrerrors.ConfigError{
		Field:      result.Errors()[0].Field(),
		Message:    "schema validation failed:\n  - " + strings.Join(messages, "\n  - "),
		Suggestion: "Compare with the sample written by 'asr init'",
	}
}

// validateDefinition checks the effective configuration after defaults
// and environment overrides are applied
func validateDefinition(def *Definition) error {
	if err := validate.Struct(def.Rotation); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return asrerrors.ConfigError{
				Field:      "rotation." + yamlName(fe.Field()),
				Value:      fe.Value(),
				Message:    fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param()),
				Suggestion: "Fix the value in asr.yaml or the matching environment variable",
			}
		}
		return err
	}
	if def.Targets.API != nil {
		if err := def.Targets.API.Validate(); err != nil {
			return asrerrors.ConfigError{Field: "targets.api", Message: err.Error()}
		}
	}
	if pg := def.Targets.Postgres; pg != nil {
		if err := pg.Validate(); err != nil {
			return asrerrors.ConfigError{Field: "targets.postgres", Message: err.Error()}
		}
	}
	if my := def.Targets.MySQL; my != nil {
		cfg := *my
		cfg.Driver = "mysql"
		if err := cfg.Validate(); err != nil {
			return asrerrors.ConfigError{Field: "targets.mysql", Message: err.Error()}
		}
	}
	return nil
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	v, ok := err.(validator.ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

func yamlName(field string) string {
	switch field {
	case "PeriodMonths":
		return "period_months"
	case "SecretLength":
		return "secret_length"
	case "RequestsPerSecond":
		return "requests_per_second"
	}
	return strings.ToLower(field)
}
