// Package validation checks decoded archives for data-quality problems
// and validates normalized headers against a JSON Schema template.
package validation

import (
	"encoding/json"
	"os"
)

// Error is one validation finding. Rule errors carry only a message and
// revalidate=false; schema errors add the validator kind, the failing
// item path and, for some kinds, the offending value and sub-schema.
type Error struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorValue   any    `json:"error_value,omitempty"`
	Item         string `json:"item,omitempty"`
	Revalidate   bool   `json:"revalidate"`
	Schema       any    `json:"schema,omitempty"`
}

// WriteErrorLog writes the errors as an indented JSON array. Callers
// should only write a log when errors exist.
func WriteErrorLog(path string, errs []Error) error {
	data, err := json.MarshalIndent(errs, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
