package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JobsSchema constrains the "jobs" list of a config file. Unknown keys are
// rejected so a misspelled "shedule" fails loudly instead of being ignored.
const JobsSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["name", "schedule"],
		"additionalProperties": false,
		"properties": {
			"name":     {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
			"schedule": {"type": "string", "minLength": 1},
			"id":       {"type": "string"},
			"lane":     {"type": "string"},
			"delay":    {"type": ["string", "integer"]},
			"timeout":  {"type": ["string", "integer"]},
			"command":  {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}
}`

var jobsSchemaLoader = gojsonschema.NewStringLoader(JobsSchema)

// validateJobsDocument checks the raw jobs value as decoded from the file.
func validateJobsDocument(raw any) error {
	result, err := gojsonschema.Validate(jobsSchemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("jobs: %s", strings.Join(msgs, "; "))
}
