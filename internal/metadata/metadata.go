// Package metadata assembles the canonical metadata document written
// next to an ingested archive.
package metadata

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mrsinham/dicomimport/internal/archive"
	"github.com/mrsinham/dicomimport/internal/classify"
	"github.com/mrsinham/dicomimport/internal/header"
	"github.com/mrsinham/dicomimport/internal/timestamp"
)

// MetadataFileName is the document written into the output directory.
const MetadataFileName = ".metadata.json"

// defaultModality stands in when the representative header has none.
const defaultModality = "MR"

// secondsPerDay converts the age unit table below into seconds.
const secondsPerDay = 86400

// ageUnitDays maps DICOM age scale suffixes to days.
var ageUnitDays = map[byte]float64{
	'Y': 365.25,
	'M': 30,
	'W': 7,
	'D': 1,
}

// Document is the canonical metadata for one archive.
type Document struct {
	Acquisition *Acquisition `json:"acquisition"`
	Session     *Session     `json:"session"`
}

type Session struct {
	Label     string   `json:"label,omitempty"`
	Operator  string   `json:"operator,omitempty"`
	Subject   *Subject `json:"subject"`
	Timestamp string   `json:"timestamp,omitempty"`
	Weight    float64  `json:"weight,omitempty"`
}

type Subject struct {
	Age       int    `json:"age,omitempty"`
	Firstname string `json:"firstname,omitempty"`
	Lastname  string `json:"lastname,omitempty"`
	Sex       string `json:"sex,omitempty"`
}

type Acquisition struct {
	Files      []File   `json:"files"`
	Instrument string   `json:"instrument,omitempty"`
	Label      string   `json:"label,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
}

type File struct {
	Classification classify.Classification `json:"classification,omitempty"`
	Info           Info                    `json:"info"`
	Modality       string                  `json:"modality,omitempty"`
	Name           string                  `json:"name"`
	Type           string                  `json:"type,omitempty"`
}

type Info struct {
	Header HeaderInfo `json:"header"`
}

type HeaderInfo struct {
	DICOM header.Header `json:"dicom"`
}

// MarkErrors tags the acquisition so downstream consumers know a
// validation error log accompanies the archive.
func (d *Document) MarkErrors() {
	d.Acquisition.Tags = []string{"error"}
}

// Assembler builds Documents from opened archives.
type Assembler struct {
	log        *slog.Logger
	resolver   *timestamp.Resolver
	classifier *classify.Classifier
}

func NewAssembler(resolver *timestamp.Resolver, classifier *classify.Classifier, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	if classifier == nil {
		classifier = classify.NewClassifier(nil, log)
	}
	return &Assembler{log: log, resolver: resolver, classifier: classifier}
}

// Assemble builds the document for an archive from its representative
// header, classifying the acquisition and attaching the Siemens CSA
// block when present.
func (a *Assembler) Assemble(arc *archive.Archive) *Document {
	rep := arc.Representative
	h := rep.Header
	sessionTS, acquisitionTS := a.resolver.Resolve(h)

	session := &Session{
		Timestamp: sessionTS,
		Operator:  stringValue(h, "OperatorsName"),
		Label:     sessionLabel(h),
		Weight:    floatValue(h, "PatientWeight"),
		Subject:   subject(h),
	}

	decoded := arc.Decoded()
	acquisition := &Acquisition{
		Instrument: stringValue(h, "Modality"),
		Label:      stringValue(h, "SeriesDescription"),
		Timestamp:  acquisitionTS,
	}

	headerCopy := header.Header{}
	for k, v := range h {
		headerCopy[k] = v
	}
	if stringValue(h, "Manufacturer") == "SIEMENS" {
		if csa := header.CSAFromDataset(rep.Dataset); len(csa) > 0 {
			headerCopy["CSAHeader"] = csa
		}
	}

	modality := stringValue(h, "Modality")
	if modality == "" {
		modality = defaultModality
	}

	acquisition.Files = []File{{
		Name:           filepath.Base(arc.Path),
		Modality:       modality,
		Classification: a.classifier.Classify(h, len(decoded), allOrientationsUnique(decoded)),
		Info:           Info{Header: HeaderInfo{DICOM: headerCopy}},
	}}

	return &Document{Session: session, Acquisition: acquisition}
}

// Write serializes the document as indented JSON into outputDir.
func (d *Document) Write(outputDir string) (string, error) {
	data, err := json.MarshalIndent(d, "", "    ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(outputDir, MetadataFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing metadata: %w", err)
	}
	return path, nil
}

// sessionLabel prefers StudyID on GE and Philips scanners, where it
// carries the scheduled session name, and falls back to
// StudyInstanceUID.
func sessionLabel(h header.Header) string {
	manufacturer := stringValue(h, "Manufacturer")
	studyID := stringValue(h, "StudyID")
	if studyID != "" && (strings.Contains(manufacturer, "GE") || strings.Contains(manufacturer, "Philips")) {
		return studyID
	}
	return stringValue(h, "StudyInstanceUID")
}

func subject(h header.Header) *Subject {
	s := &Subject{Sex: sexString(stringValue(h, "PatientSex"))}
	if age, ok := ParsePatientAge(stringValue(h, "PatientAge")); ok {
		s.Age = age
	}
	s.Firstname, s.Lastname = subjectName(stringValue(h, "PatientName"))
	return s
}

// subjectName splits a person-name value into first and last name. When
// only one component is filled and it holds two space-separated words,
// both names are assumed to have been typed into that one field.
func subjectName(patientName string) (first, last string) {
	if patientName == "" {
		return "", ""
	}
	parts := strings.Split(patientName, "^")
	family := parts[0]
	var given string
	if len(parts) > 1 {
		given = parts[1]
	}

	switch {
	case given != "" && family == "":
		if words := strings.Fields(given); len(words) == 2 {
			return words[0], words[1]
		}
		return given, ""
	case family != "" && given == "":
		if words := strings.Fields(family); len(words) == 2 {
			return words[0], words[1]
		}
		return "", family
	default:
		return given, family
	}
}

// ParsePatientAge converts a DICOM age string such as "018Y" to whole
// seconds. A missing unit suffix is assumed to mean years. Unparseable
// or non-positive ages report false.
func ParsePatientAge(age string) (int, bool) {
	if age == "" || age == "None" {
		return 0, false
	}

	value := age
	days, ok := ageUnitDays[age[len(age)-1]]
	if ok {
		value = age[:len(age)-1]
	} else {
		days = ageUnitDays['Y']
	}

	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}
	seconds := int(float64(n) * days * secondsPerDay)
	if seconds <= 0 {
		return 0, false
	}
	return seconds, true
}

func sexString(sex string) string {
	switch sex {
	case "M":
		return "male"
	case "F":
		return "female"
	}
	return ""
}

// allOrientationsUnique reports that every decoded image carries a
// distinct orientation vector, a strong localizer signal.
func allOrientationsUnique(files []*archive.File) bool {
	seen := map[string]struct{}{}
	count := 0
	for _, f := range files {
		iop, ok := f.Header["ImageOrientationPatient"].([]float64)
		if !ok || len(iop) != 6 {
			continue
		}
		count++
		parts := make([]string, len(iop))
		for i, v := range iop {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		seen[strings.Join(parts, `\`)] = struct{}{}
	}
	return count > 0 && len(seen) == count
}

// floatValue reads a numeric header entry, tolerating the int form the
// normalizer produces for whole values.
func floatValue(h header.Header, key string) float64 {
	switch v := h[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// stringValue reads a header entry expected to be a string, tolerating
// singleton lists and stringifying stray numeric coercions.
func stringValue(h header.Header, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return ""
}
