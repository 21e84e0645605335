// Package normalize converts decoded DICOM element values into their
// canonical representations: numbers, lists of numbers, or cleaned
// ASCII strings.
package normalize

import (
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
)

// Kind classifies a decoded element value into the closed set of shapes
// the normalizer knows how to handle.
type Kind int

const (
	// KindScalar is a single string, int or float value.
	KindScalar Kind = iota
	// KindPersonName is a PN-typed value (given/family composite).
	KindPersonName
	// KindMultiValue is a value with more than one entry.
	KindMultiValue
	// KindUniqueID is a UI-typed value (UIDs keep their raw form).
	KindUniqueID
	// KindSequence is a nested sequence of sub-datasets.
	KindSequence
	// KindOpaque is anything the normalizer does not touch (bytes,
	// pixel data).
	KindOpaque
)

// KindOf derives the Kind of an element from its value representation
// and decoded value type.
func KindOf(elem *dicom.Element) Kind {
	switch elem.Value.ValueType() {
	case dicom.Sequences:
		return KindSequence
	case dicom.Bytes, dicom.PixelData:
		return KindOpaque
	}
	switch elem.RawValueRepresentation {
	case "PN":
		return KindPersonName
	case "UI":
		return KindUniqueID
	}
	if count(elem) > 1 {
		return KindMultiValue
	}
	return KindScalar
}

func count(elem *dicom.Element) int {
	switch v := elem.Value.GetValue().(type) {
	case []string:
		return len(v)
	case []int:
		return len(v)
	case []float64:
		return len(v)
	}
	return 1
}

// FormatString strips non-ASCII and non-printable characters from s.
// The second return value is false when the cleaned value carries no
// information: a lone "?" is treated as absent.
func FormatString(s string) (string, bool) {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			continue
		}
		b.WriteRune(r)
	}
	formatted := b.String()
	if formatted == "?" {
		return "", false
	}
	return formatted, true
}

// Element normalizes the decoded value of elem. The second return value
// is false when no canonical value could be produced (absent or opaque
// values). Sequences are not handled here; callers recurse into them.
func Element(elem *dicom.Element) (any, bool) {
	switch KindOf(elem) {
	case KindPersonName, KindUniqueID:
		s := firstString(elem)
		return maybeString(s)
	case KindMultiValue:
		return multiValue(elem)
	case KindScalar:
		return scalar(elem)
	default:
		return nil, false
	}
}

func firstString(elem *dicom.Element) string {
	if v, ok := elem.Value.GetValue().([]string); ok && len(v) > 0 {
		return v[0]
	}
	return ""
}

func maybeString(s string) (any, bool) {
	formatted, ok := FormatString(s)
	if !ok {
		return nil, false
	}
	return formatted, true
}

// multiValue coerces a multi-valued element: all-float first, then
// all-int, then formatted strings with empty entries dropped.
func multiValue(elem *dicom.Element) (any, bool) {
	switch v := elem.Value.GetValue().(type) {
	case []int:
		return append([]int(nil), v...), true
	case []float64:
		return append([]float64(nil), v...), true
	case []string:
		if floats, ok := parseFloats(v); ok {
			return floats, true
		}
		if ints, ok := parseInts(v); ok {
			return ints, true
		}
		var out []string
		for _, s := range v {
			if s == "" {
				continue
			}
			if formatted, ok := FormatString(s); ok {
				out = append(out, formatted)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// scalar passes numbers through and coerces strings int-first, then
// float, then formatted string.
func scalar(elem *dicom.Element) (any, bool) {
	switch v := elem.Value.GetValue().(type) {
	case []int:
		if len(v) == 0 {
			return nil, false
		}
		return v[0], true
	case []float64:
		if len(v) == 0 {
			return nil, false
		}
		return v[0], true
	case []string:
		if len(v) == 0 {
			return nil, false
		}
		return String(v[0])
	}
	return nil, false
}

// String coerces a raw string value: integer first, then float, then
// formatted string.
func String(s string) (any, bool) {
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		return f, true
	}
	return maybeString(s)
}

func parseFloats(values []string) ([]float64, bool) {
	out := make([]float64, 0, len(values))
	for _, s := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

func parseInts(values []string) ([]int, bool) {
	out := make([]int, 0, len(values))
	for _, s := range values {
		i, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return nil, false
		}
		out = append(out, i)
	}
	return out, true
}
