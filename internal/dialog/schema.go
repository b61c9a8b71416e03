package dialog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaResource = "script-v1.json"

// ScriptJSONSchema produces the JSON Schema of the script document, as
// accepted by the admin API and scriptctl.
func ScriptJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	r.RequiredFromJSONSchemaTags = true

	s := r.Reflect(&Script{})
	s.ID = "https://github.com/linnemanlabs/concierge/schemas/" + schemaResource
	s.Title = "Concierge dialog script v1"
	s.Description = "Schema for concierge dialog script documents"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

var (
	compiledSchema     *sjsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func scriptSchema() (*sjsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		raw, err := ScriptJSONSchema()
		if err != nil {
			compiledSchemaErr = err
			return
		}
		var schemaDoc interface{}
		if err := json.Unmarshal(raw, &schemaDoc); err != nil {
			compiledSchemaErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(schemaResource, schemaDoc); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = c.Compile(schemaResource)
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateDocument checks a JSON script document against the schema before
// it is decoded. Schema violations come back as issues with the "schema"
// phase; a non-nil error means the document could not be checked at all.
func ValidateDocument(data []byte) ([]Issue, error) {
	sch, err := scriptSchema()
	if err != nil {
		return nil, err
	}

	doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return []Issue{{
			Phase:    "schema",
			Message:  fmt.Sprintf("invalid JSON: %v", err),
			Severity: SeverityError,
		}}, nil
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *sjsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, err
	}
	var issues []Issue
	for _, cause := range flattenValidationErrors(ve) {
		issues = append(issues, Issue{
			Phase:    "schema",
			Path:     strings.Join(cause.InstanceLocation, "/"),
			Message:  fmt.Sprintf("%v", cause.ErrorKind),
			Severity: SeverityError,
		})
	}
	return issues, nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}
