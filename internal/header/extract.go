// Package header flattens decoded DICOM datasets into canonical
// keyword-to-value mappings.
package header

import (
	"log/slog"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomimport/internal/normalize"
)

// Header is a flat mapping from DICOM tag keyword to its normalized
// value: int, float64, string, a list of one of those, or []Header for
// sequences.
type Header map[string]any

// maxStringLen is the longest string value that is formatted in place;
// anything longer goes through the full normalization cascade.
const maxStringLen = 10240

// multiValueDelimiter separates entries of a DICOM multi-valued field
// on the wire.
const multiValueDelimiter = `\`

// excludedKeywords are tags never copied into a header: pixel data and
// vendor blocks that are binary-heavy and useless as metadata.
var excludedKeywords = map[string]struct{}{
	"PixelData":      {},
	"FloatPixelData": {},
	"OverlayData":    {},
}

// ElementCallback can inspect an element during the pre-walk and return
// a replacement normalized value. The boolean reports whether the
// callback produced a value.
type ElementCallback func(info tag.Info, elem *dicom.Element) (any, bool)

// RejoinSingleValue repairs a known non-conformance: a string value
// containing the multi-value delimiter that was split into a list even
// though the tag declares a multiplicity of exactly one. The parts are
// rejoined with the delimiter.
func RejoinSingleValue(info tag.Info, elem *dicom.Element) (any, bool) {
	if info.VM != "1" {
		return nil, false
	}
	values, ok := elem.Value.GetValue().([]string)
	if !ok || len(values) < 2 {
		return nil, false
	}
	joined, ok := normalize.FormatString(strings.Join(values, multiValueDelimiter))
	if !ok {
		return nil, false
	}
	return joined, true
}

// Extractor turns decoded datasets into Headers.
type Extractor struct {
	log      *slog.Logger
	callback ElementCallback
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger used for per-tag warnings.
func WithLogger(log *slog.Logger) Option {
	return func(e *Extractor) { e.log = log }
}

// WithCallback installs a per-element callback run during the pre-walk.
func WithCallback(cb ElementCallback) Option {
	return func(e *Extractor) { e.callback = cb }
}

// NewExtractor returns an Extractor with the single-value rejoin
// callback installed by default.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		log:      slog.Default(),
		callback: RejoinSingleValue,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract walks every element of ds, including nested sequences, and
// produces the flat normalized header. Per-tag problems are logged and
// the tag skipped; Extract itself never fails.
func (e *Extractor) Extract(ds *dicom.Dataset) Header {
	repaired := e.prewalk(ds)

	h := Header{}
	for _, elem := range ds.Elements {
		key, info, ok := keywordOf(elem)
		if !ok {
			continue
		}
		if _, excluded := excludedKeywords[key]; excluded {
			continue
		}
		if elem.Value == nil {
			continue
		}

		if elem.Value.ValueType() == dicom.Sequences {
			if items := e.extractSequence(elem); len(items) > 0 {
				h[key] = items
			}
			continue
		}

		if v, ok := repaired[elem.Tag]; ok {
			h[key] = v
			continue
		}

		v, ok := e.normalizeElement(info, elem)
		if !ok {
			continue
		}
		h[key] = v
	}

	unknown := e.fixMultiplicity(h)
	if unknown > 0 {
		e.log.Warn("tags missing from the public dictionary were left as-is",
			"count", unknown)
	}
	return h
}

// prewalk visits the full dataset tag-by-tag to surface decoding
// problems before extraction and to run the element callback. It
// returns the callback's replacement values keyed by tag.
func (e *Extractor) prewalk(ds *dicom.Dataset) map[tag.Tag]any {
	repaired := map[tag.Tag]any{}
	var visit func(elements []*dicom.Element)
	visit = func(elements []*dicom.Element) {
		for _, elem := range elements {
			if elem.Value == nil {
				e.log.Warn("element decoded without a value", "tag", elem.Tag.String())
				continue
			}
			if elem.Value.ValueType() == dicom.Sequences {
				items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
				if !ok {
					continue
				}
				for _, item := range items {
					if inner, ok := item.GetValue().([]*dicom.Element); ok {
						visit(inner)
					}
				}
				continue
			}
			if e.callback == nil {
				continue
			}
			info, err := tag.Find(elem.Tag)
			if err != nil {
				continue
			}
			if v, ok := e.callback(info, elem); ok {
				repaired[elem.Tag] = v
			}
		}
	}
	visit(ds.Elements)
	return repaired
}

// normalizeElement applies the short-string fast path, then the full
// cascade. Empty strings are dropped; the numeric value zero is kept.
func (e *Extractor) normalizeElement(info tag.Info, elem *dicom.Element) (any, bool) {
	if normalize.KindOf(elem) == normalize.KindScalar {
		if values, ok := elem.Value.GetValue().([]string); ok && len(values) == 1 && len(values[0]) < maxStringLen {
			if !numericVR(info.VRs) {
				s, ok := normalize.FormatString(values[0])
				if !ok || s == "" {
					return nil, false
				}
				return s, true
			}
		}
	}

	v, ok := normalize.Element(elem)
	if !ok {
		return nil, false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return nil, false
	}
	return v, true
}

// numericVR reports whether any of a tag's candidate VRs calls for
// numeric interpretation of its string form (decimal and integer
// strings).
func numericVR(vrs []string) bool {
	for _, vr := range vrs {
		switch vr {
		case "DS", "IS", "FL", "FD", "SL", "SS", "UL", "US":
			return true
		}
	}
	return false
}

// extractSequence recursively extracts one Header per sequence item,
// applying the same exclusions to inner keys and skipping keys with no
// resolvable keyword.
func (e *Extractor) extractSequence(elem *dicom.Element) []Header {
	items, ok := elem.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}

	var out []Header
	for _, item := range items {
		elements, ok := item.GetValue().([]*dicom.Element)
		if !ok {
			continue
		}
		itemHeader := Header{}
		for _, inner := range elements {
			key, info, ok := keywordOf(inner)
			if !ok {
				continue
			}
			if _, excluded := excludedKeywords[key]; excluded {
				continue
			}
			if inner.Value == nil {
				continue
			}
			if inner.Value.ValueType() == dicom.Sequences {
				if nested := e.extractSequence(inner); len(nested) > 0 {
					itemHeader[key] = nested
				}
				continue
			}
			if v, ok := e.normalizeElement(info, inner); ok {
				itemHeader[key] = v
			}
		}
		if len(itemHeader) > 0 {
			out = append(out, itemHeader)
		}
	}
	return out
}

// fixMultiplicity wraps single values in a list when the public
// dictionary declares a multiplicity other than one, recursing into
// sequence entries. It returns the number of keywords the dictionary
// does not know (including sequence-typed tags whose value is not a
// list, which are left untouched).
func (e *Extractor) fixMultiplicity(h Header) int {
	unknown := 0
	for key, v := range h {
		if items, ok := v.([]Header); ok {
			for _, item := range items {
				unknown += e.fixMultiplicity(item)
			}
			continue
		}

		info, err := tag.FindByKeyword(key)
		if err != nil {
			unknown++
			continue
		}
		if len(info.VRs) > 0 && info.VRs[0] == "SQ" {
			// A sequence decoded into something that is not a list,
			// e.g. raw bytes from a parser limitation. Not forced.
			unknown++
			continue
		}
		if info.VM == "1" {
			continue
		}
		switch value := v.(type) {
		case int:
			h[key] = []int{value}
		case float64:
			h[key] = []float64{value}
		case string:
			h[key] = []string{value}
		}
	}
	return unknown
}

// keywordOf resolves an element's public keyword. Private and unknown
// tags have no keyword and are skipped by extraction.
func keywordOf(elem *dicom.Element) (string, tag.Info, bool) {
	info, err := tag.Find(elem.Tag)
	if err != nil || info.Keyword == "" {
		return "", tag.Info{}, false
	}
	return info.Keyword, info, true
}
