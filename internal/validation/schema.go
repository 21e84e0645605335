package validation

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/mrsinham/dicomimport/internal/header"
)

// headerItemPrefix locates the validated header on the platform file
// object.
const headerItemPrefix = "info.header.dicom"

// SchemaValidator validates normalized headers against a Draft-7 JSON
// Schema template.
type SchemaValidator struct {
	schema   *gojsonschema.Schema
	template map[string]any
	log      *slog.Logger
}

// NewSchemaValidator compiles the template, validating it against the
// Draft-7 meta-schema first. A malformed template is a configuration
// error for the whole run.
func NewSchemaValidator(template map[string]any, log *slog.Logger) (*SchemaValidator, error) {
	if log == nil {
		log = slog.Default()
	}
	loader := gojsonschema.NewSchemaLoader()
	loader.Draft = gojsonschema.Draft7
	loader.Validate = true
	schema, err := loader.Compile(gojsonschema.NewGoLoader(template))
	if err != nil {
		return nil, fmt.Errorf("the json template is invalid: %w", err)
	}
	return &SchemaValidator{schema: schema, template: template, log: log}, nil
}

// Validate checks h against the template and converts every engine
// error to an Error with revalidate=true. Engine errors are sorted by
// string form so output order is deterministic.
func (v *SchemaValidator) Validate(h header.Header) ([]Error, error) {
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(map[string]any(h)))
	if err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	engineErrs := result.Errors()
	sort.Slice(engineErrs, func(i, j int) bool {
		return engineErrs[i].String() < engineErrs[j].String()
	})

	var errs []Error
	for _, re := range engineErrs {
		v.log.Error(re.Description())
		errs = append(errs, v.convert(re))
	}
	return errs, nil
}

func (v *SchemaValidator) convert(re gojsonschema.ResultError) Error {
	e := Error{
		ErrorType:    errorType(re.Type()),
		ErrorMessage: re.Description(),
		Revalidate:   true,
	}
	switch e.ErrorType {
	case "required":
		// The full template schema is too large to surface here, so
		// only the missing property is reported.
		if prop, ok := re.Details()["property"].(string); ok {
			e.Item = "info." + prop
		}
	case "pattern", "type":
		e.ErrorValue = re.Value()
		e.Item = itemPath(re.Field())
		e.Schema = subschema(v.template, re.Field())
	case "enum":
		e.ErrorValue = re.Value()
		e.Item = itemPath(re.Field())
	case "anyOf":
		if sub, ok := subschema(v.template, re.Field()).(map[string]any); ok {
			if alternatives, ok := sub["anyOf"]; ok {
				e.Schema = map[string]any{"anyOf": alternatives}
			}
		}
	}
	return e
}

// errorType maps engine validator kinds onto the names used in error
// logs.
func errorType(kind string) string {
	switch kind {
	case "invalid_type":
		return "type"
	case "number_any_of":
		return "anyOf"
	}
	return kind
}

func itemPath(field string) string {
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY || field == "" {
		return headerItemPrefix
	}
	return headerItemPrefix + "." + field
}

// subschema walks the raw template down a dotted field path, through
// object properties and array items.
func subschema(template map[string]any, field string) any {
	if field == gojsonschema.STRING_ROOT_SCHEMA_PROPERTY || field == "" {
		return template
	}
	current := template
	for _, segment := range strings.Split(field, ".") {
		var next any
		if _, err := strconv.Atoi(segment); err == nil {
			next = current["items"]
		} else {
			props, ok := current["properties"].(map[string]any)
			if !ok {
				return nil
			}
			next = props[segment]
		}
		sub, ok := next.(map[string]any)
		if !ok {
			return nil
		}
		current = sub
	}
	return current
}
