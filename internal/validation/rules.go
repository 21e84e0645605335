package validation

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/mrsinham/dicomimport/internal/archive"
	"github.com/mrsinham/dicomimport/internal/header"
)

// minSlicesForIntervalCheck is the smallest sequence worth checking for
// missing slices; tiny sequences produce too few intervals for the mode
// search to mean anything.
const minSlicesForIntervalCheck = 10

// duplicateIntervalEpsilon filters out near-zero intervals, which come
// from duplicate images at the same location rather than real gaps.
const duplicateIntervalEpsilon = 0.001

// intervalRounding lists the progressively coarser rounding levels the
// mode search tries.
var intervalRounding = []int{3, 2, 1}

// RuleValidator runs the structural data-quality rules over an
// archive's file records.
type RuleValidator struct {
	log   *slog.Logger
	force bool
}

// NewRuleValidator returns a RuleValidator. force selects the decode
// failure message emitted for files that would not parse.
func NewRuleValidator(force bool, log *slog.Logger) *RuleValidator {
	if log == nil {
		log = slog.Default()
	}
	return &RuleValidator{log: log, force: force}
}

// Validate runs every rule in fixed order and concatenates the
// findings. All rule errors carry revalidate=false.
func (v *RuleValidator) Validate(files []*archive.File) []Error {
	var errs []Error
	errs = append(errs, v.checkInstanceNumberUniqueness(files)...)
	errs = append(errs, v.checkMissingSlices(files)...)
	errs = append(errs, v.checkZeroByteFiles(files)...)
	errs = append(errs, v.checkDecodeFailures(files)...)
	return errs
}

// checkInstanceNumberUniqueness emits a single error listing every
// duplicated InstanceNumber value.
func (v *RuleValidator) checkInstanceNumberUniqueness(files []*archive.File) []Error {
	seen := map[string]bool{}
	var duplicated []string
	for _, f := range files {
		if f.Header == nil {
			continue
		}
		value, ok := f.Header["InstanceNumber"]
		if !ok {
			continue
		}
		key := fmt.Sprint(value)
		if seen[key] {
			duplicated = append(duplicated, key)
		}
		seen[key] = true
	}
	if len(duplicated) == 0 {
		return nil
	}
	return []Error{{
		ErrorMessage: fmt.Sprintf("InstanceNumber is duplicated for values:[%s]", strings.Join(duplicated, " ")),
	}}
}

// checkMissingSlices groups records by SequenceName and checks each
// group's slice intervals for gaps.
func (v *RuleValidator) checkMissingSlices(files []*archive.File) []Error {
	var names []string
	groups := map[string][]*archive.File{}
	for _, f := range files {
		if f.Header == nil {
			continue
		}
		name, _ := f.Header["SequenceName"].(string)
		if _, ok := groups[name]; !ok {
			names = append(names, name)
		}
		groups[name] = append(groups[name], f)
	}
	if len(names) > 1 {
		v.log.Warn("multiple image sequences found in acquisition, checking each individually",
			"sequences", names)
	}

	var errs []Error
	for _, name := range names {
		group := groups[name]
		if len(group) < minSlicesForIntervalCheck {
			v.log.Warn("small number of images in sequence, skipping slice interval check",
				"sequence", name, "count", len(group))
			continue
		}
		v.log.Info("checking missing slices", "sequence", name)
		seqMsg := fmt.Sprintf(" (SequenceName is %s, in case there are multiple.)", name)
		errs = append(errs, v.checkGroupIntervals(group, seqMsg)...)
	}
	return errs
}

func (v *RuleValidator) checkGroupIntervals(files []*archive.File, seqMsg string) []Error {
	locations, ok := v.sliceLocations(files)
	if !ok {
		locations, ok = v.projectedLocations(files)
	}
	if !ok || len(locations) <= 1 {
		return nil
	}
	sort.Float64s(locations)

	var intervals []float64
	for i := 1; i < len(locations); i++ {
		if d := locations[i] - locations[i-1]; d > duplicateIntervalEpsilon {
			intervals = append(intervals, d)
		}
	}

	mode, found := mostFrequentInterval(intervals)
	if !found {
		return []Error{{ErrorMessage: "Inconsistent slice intervals; no common interval found!"}}
	}

	tolerance := 0.2 * mode
	var abnormal []float64
	for _, val := range intervals {
		if math.Abs(mode-val) <= tolerance {
			continue
		}
		rounded := roundTo(val, 3)
		if !containsFloat(abnormal, rounded) {
			abnormal = append(abnormal, rounded)
		}
	}
	if len(abnormal) == 0 {
		return nil
	}

	parts := make([]string, len(abnormal))
	for i, val := range abnormal {
		parts[i] = fmt.Sprintf("%g", val)
	}
	return []Error{{
		ErrorMessage: fmt.Sprintf("Inconsistent slice intervals. Majority are ~%gmm but intervals include %s.%s",
			mode, strings.Join(parts, ", "), seqMsg),
	}}
}

// sliceLocations reads SliceLocation from every non-localizer record
// that carries both SliceLocation and ImageType.
func (v *RuleValidator) sliceLocations(files []*archive.File) ([]float64, bool) {
	var usable []*archive.File
	for _, f := range files {
		if _, ok := floatValue(f.Header["SliceLocation"]); !ok {
			continue
		}
		if _, ok := f.Header["ImageType"]; !ok {
			continue
		}
		usable = append(usable, f)
	}
	if len(usable) <= 1 {
		return nil, false
	}

	var locations []float64
	for _, f := range usable {
		if isLocalizer(f.Header) {
			continue
		}
		loc, _ := floatValue(f.Header["SliceLocation"])
		locations = append(locations, loc)
	}
	return locations, true
}

// projectedLocations derives a scalar location per record by projecting
// ImagePositionPatient onto the normal of the first non-localizer
// orientation vector.
func (v *RuleValidator) projectedLocations(files []*archive.File) ([]float64, bool) {
	var usable []*archive.File
	for _, f := range files {
		if vectorValue(f.Header, "ImageOrientationPatient", 6) == nil {
			continue
		}
		if vectorValue(f.Header, "ImagePositionPatient", 3) == nil {
			continue
		}
		if _, ok := f.Header["ImageType"]; !ok {
			continue
		}
		usable = append(usable, f)
	}
	if len(usable) <= 1 {
		return nil, false
	}

	var normal []float64
	for _, f := range usable {
		if isLocalizer(f.Header) {
			continue
		}
		iop := vectorValue(f.Header, "ImageOrientationPatient", 6)
		normal = cross(iop[3:6], iop[0:3])
		break
	}
	if normal == nil {
		v.log.Warn("no non-localizer orientation vector found, cannot check for missing slices")
		return nil, false
	}

	var locations []float64
	for _, f := range usable {
		if isLocalizer(f.Header) {
			continue
		}
		pos := vectorValue(f.Header, "ImagePositionPatient", 3)
		locations = append(locations, dot(normal, pos))
	}
	return locations, true
}

// checkZeroByteFiles emits one error per zero-byte member.
func (v *RuleValidator) checkZeroByteFiles(files []*archive.File) []Error {
	var errs []Error
	for _, f := range files {
		if f.Size == 0 {
			errs = append(errs, Error{
				ErrorMessage: fmt.Sprintf("Dicom file is empty: %s", f.RelPath),
			})
		}
	}
	return errs
}

// checkDecodeFailures emits one error per undecodable member, worded by
// whether the lenient retry was already in play.
func (v *RuleValidator) checkDecodeFailures(files []*archive.File) []Error {
	var errs []Error
	for _, f := range files {
		if f.DecodeErr == nil {
			continue
		}
		var msg string
		if v.force {
			msg = fmt.Sprintf("Decoding raised an exception even with force enabled for file: %s", f.RelPath)
		} else {
			msg = fmt.Sprintf("DICOM signature not found in: %s. Try re-running with force enabled", f.RelPath)
		}
		errs = append(errs, Error{ErrorMessage: msg})
	}
	return errs
}

// mostFrequentInterval finds the interval value that accounts for a
// strict majority, trying progressively coarser rounding levels.
func mostFrequentInterval(intervals []float64) (float64, bool) {
	if len(intervals) == 0 {
		return 0, false
	}
	for _, decimals := range intervalRounding {
		counts := map[float64]int{}
		var order []float64
		for _, val := range intervals {
			rounded := roundTo(val, decimals)
			if _, ok := counts[rounded]; !ok {
				order = append(order, rounded)
			}
			counts[rounded]++
		}
		top := order[0]
		for _, val := range order[1:] {
			if counts[val] > counts[top] {
				top = val
			}
		}
		if counts[top]*2 > len(intervals) && top != 0 {
			return top, true
		}
	}
	return 0, false
}

func isLocalizer(h header.Header) bool {
	switch v := h["ImageType"].(type) {
	case []string:
		return strings.Contains(strings.Join(v, ""), "LOCALIZER")
	case string:
		return strings.Contains(v, "LOCALIZER")
	}
	return false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func vectorValue(h header.Header, key string, length int) []float64 {
	vec, ok := h[key].([]float64)
	if !ok || len(vec) != length {
		return nil
	}
	return vec
}

func cross(a, b []float64) []float64 {
	return []float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func containsFloat(values []float64, v float64) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
