package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/mrsinham/dicomimport/internal/header"
)

// orientationTag is the keyword splitting treats geometrically.
const orientationTag = "ImageOrientationPatient"

// iopDecimals is the rounding tolerance applied to orientation vectors.
// Orientation can drift slightly between slices of one true
// orientation; rounding after de-meaning absorbs the drift.
const iopDecimals = 3

// missingKey groups members that lack the discriminating tag entirely.
const missingKey = "NA"

// seriesDescriptionSanitizer collapses anything outside the filename
// safe set when deriving archive suffixes.
var seriesDescriptionSanitizer = regexp.MustCompile(`[^A-Za-z0-9+]+`)

var archiveExtensions = []string{".dicom.zip", ".dcm.zip", ".zip"}

// AppendToArchiveName inserts suffix before a recognized archive
// extension, or appends it when the extension is unrecognized.
func AppendToArchiveName(path, suffix string, log *slog.Logger) string {
	for _, ext := range archiveExtensions {
		if strings.HasSuffix(path, ext) {
			return strings.TrimSuffix(path, ext) + suffix + ext
		}
	}
	out := path + suffix
	if log == nil {
		log = slog.Default()
	}
	log.Warn("did not recognize a standard extension for DICOM archive",
		"archive", filepath.Base(path), "using", out)
	return out
}

// ContainsEmbeddedLocalizer reports whether the decoded files look like
// one scan series with a few localizer images mixed in: more than one
// unique orientation, but unique orientations making up less than a
// fifth of the images.
func ContainsEmbeddedLocalizer(files []*File) bool {
	var iops [][]float64
	for _, f := range files {
		if !f.Decoded() {
			continue
		}
		if iop, ok := orientationVector(f.Header); ok {
			iops = append(iops, iop)
		}
	}
	if len(iops) == 0 {
		return false
	}

	unique := map[string]struct{}{}
	for _, iop := range demeanAndRound(iops) {
		unique[vectorKey(iop)] = struct{}{}
	}
	if len(unique) <= 1 {
		return false
	}
	return float64(len(unique))/float64(len(iops)) < 0.20
}

// ContainsMultipleSeries reports whether more than one distinct
// SeriesInstanceUID appears across the decoded files.
func ContainsMultipleSeries(files []*File) bool {
	unique := map[string]struct{}{}
	for _, f := range files {
		if !f.Decoded() {
			continue
		}
		if uid, ok := f.Header["SeriesInstanceUID"].(string); ok && uid != "" {
			unique[uid] = struct{}{}
		}
	}
	return len(unique) > 1
}

// Splitter partitions an archive's members by a discriminating tag and
// writes each partition as its own zip.
type Splitter struct {
	log *slog.Logger
}

func NewSplitter(log *slog.Logger) *Splitter {
	if log == nil {
		log = slog.Default()
	}
	return &Splitter{log: log}
}

// Split buckets the archive's decoded members by keyword and writes the
// buckets to outputDir. The largest bucket always keeps the archive's
// original name. With allUnique false only the remainder is written, as
// one archive under a suffixed name. With allUnique true every minority
// bucket becomes its own suffixed archive; an empty suffix means one is
// derived from the bucket's first member. Returns the written paths.
func (s *Splitter) Split(a *Archive, keyword, outputDir, suffix string, allUnique bool) ([]string, error) {
	if _, ok := a.Representative.Header[keyword]; !ok {
		s.log.Warn("tag is missing from archive", "tag", keyword, "archive", filepath.Base(a.Path))
	}

	groups := groupByTag(a.Decoded(), keyword)
	if len(groups) == 0 {
		return nil, fmt.Errorf("no decoded files to split in %s", filepath.Base(a.Path))
	}
	top := majorityIndex(groups)

	topPath := filepath.Join(outputDir, filepath.Base(a.Path))
	if err := s.writeZip(topPath, groups[top].files); err != nil {
		return nil, err
	}
	written := []string{topPath}

	if !allUnique {
		var rest []*File
		for i, g := range groups {
			if i != top {
				rest = append(rest, g.files...)
			}
		}
		if len(rest) == 0 {
			return written, nil
		}
		sfx := suffix
		if sfx == "" {
			sfx = deriveSuffix(rest[0].Header)
		}
		outPath := AppendToArchiveName(topPath, sfx, s.log)
		s.log.Info("creating split archive", "path", outPath)
		if err := s.writeZip(outPath, rest); err != nil {
			return nil, err
		}
		return append(written, outPath), nil
	}

	index := 1
	for i, g := range groups {
		if i == top {
			continue
		}
		var sfx string
		if suffix == "" {
			sfx = deriveSuffix(g.files[0].Header)
		} else {
			sfx = suffix + strconv.Itoa(index)
			index++
		}
		outPath := filepath.Join(outputDir, AppendToArchiveName(filepath.Base(a.Path), sfx, s.log))
		s.log.Info("creating split archive", "path", outPath)
		if err := s.writeZip(outPath, g.files); err != nil {
			return nil, err
		}
		written = append(written, outPath)
	}
	return written, nil
}

func (s *Splitter) writeZip(outPath string, files []*File) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	zw := zip.NewWriter(out)
	for _, f := range files {
		w, err := zw.Create(f.RelPath)
		if err == nil {
			err = copyFile(w, f.Path)
		}
		if err != nil {
			zw.Close()
			out.Close()
			return fmt.Errorf("writing %s to %s: %w", f.RelPath, outPath, err)
		}
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyFile(w io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}

// deriveSuffix builds the archive name suffix from a member's modality,
// series number and sanitized series description.
func deriveSuffix(h header.Header) string {
	modality, _ := h["Modality"].(string)
	description, _ := h["SeriesDescription"].(string)
	safe := seriesDescriptionSanitizer.ReplaceAllString(description, "_")
	return fmt.Sprintf("_%s-%v-%s", modality, h["SeriesNumber"], safe)
}

type tagGroup struct {
	key   string
	files []*File
}

// groupByTag buckets files by a hashable projection of the tag's value,
// preserving first-seen order. Orientation vectors are de-meaned across
// the archive and rounded before keying.
func groupByTag(files []*File, keyword string) []tagGroup {
	keyFor := plainKey(keyword)
	if keyword == orientationTag {
		keyFor = orientationKey(files)
	}

	var groups []tagGroup
	byKey := map[string]int{}
	for _, f := range files {
		key := keyFor(f.Header)
		i, ok := byKey[key]
		if !ok {
			i = len(groups)
			byKey[key] = i
			groups = append(groups, tagGroup{key: key})
		}
		groups[i].files = append(groups[i].files, f)
	}
	return groups
}

func majorityIndex(groups []tagGroup) int {
	top := 0
	for i, g := range groups {
		if len(g.files) > len(groups[top].files) {
			top = i
		}
	}
	return top
}

func plainKey(keyword string) func(header.Header) string {
	return func(h header.Header) string {
		switch v := h[keyword].(type) {
		case string:
			if v != "" {
				return v
			}
		case int:
			return strconv.Itoa(v)
		case float64:
			return strconv.FormatFloat(v, 'g', -1, 64)
		case []string:
			if len(v) > 0 {
				return strings.Join(v, `\`)
			}
		case []float64:
			return vectorKey(v)
		case []int:
			parts := make([]string, len(v))
			for i, n := range v {
				parts[i] = strconv.Itoa(n)
			}
			return strings.Join(parts, `\`)
		}
		return missingKey
	}
}

// orientationKey precomputes the archive-wide coordinate means so each
// file's orientation is keyed on its de-meaned rounded form.
func orientationKey(files []*File) func(header.Header) string {
	var iops [][]float64
	for _, f := range files {
		if iop, ok := orientationVector(f.Header); ok {
			iops = append(iops, iop)
		}
	}
	means := coordinateMeans(iops)

	return func(h header.Header) string {
		iop, ok := orientationVector(h)
		if !ok {
			return missingKey
		}
		rounded := make([]float64, len(iop))
		for i, v := range iop {
			rounded[i] = roundTo(v-means[i], iopDecimals)
		}
		return vectorKey(rounded)
	}
}

func orientationVector(h header.Header) ([]float64, bool) {
	iop, ok := h[orientationTag].([]float64)
	if !ok || len(iop) != 6 {
		return nil, false
	}
	return iop, true
}

func coordinateMeans(iops [][]float64) []float64 {
	means := make([]float64, 6)
	if len(iops) == 0 {
		return means
	}
	for _, iop := range iops {
		for i, v := range iop {
			means[i] += v
		}
	}
	for i := range means {
		means[i] /= float64(len(iops))
	}
	return means
}

func demeanAndRound(iops [][]float64) [][]float64 {
	means := coordinateMeans(iops)
	out := make([][]float64, len(iops))
	for i, iop := range iops {
		rounded := make([]float64, len(iop))
		for j, v := range iop {
			rounded[j] = roundTo(v-means[j], iopDecimals)
		}
		out[i] = rounded
	}
	return out
}

func roundTo(v float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	r := math.Round(v*scale) / scale
	if r == 0 {
		// normalize negative zero
		return 0
	}
	return r
}

func vectorKey(v []float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'f', iopDecimals, 64)
	}
	return strings.Join(parts, ",")
}
