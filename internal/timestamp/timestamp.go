// Package timestamp derives ISO-8601 session and acquisition
// timestamps from DICOM date/time tags.
package timestamp

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/mrsinham/dicomimport/internal/header"
)

// defaultTime fills in for missing time components when only a date
// tag is available.
const defaultTime = "120000"

const (
	combinedLayout = "20060102150405"
	isoLayout      = "2006-01-02T15:04:05-07:00"
	dateLen        = 8
	timeLen        = 6
)

// source produces one date/time candidate from a header. ok is false
// when the required tags are absent.
type source func(h header.Header) (date, tm string, ok bool)

// Session timestamp precedence: study first, then series, acquisition,
// the combined AcquisitionDateTime, and finally date-only fallbacks.
var sessionSources = []source{
	pair("StudyDate", "StudyTime"),
	pair("SeriesDate", "SeriesTime"),
	pair("AcquisitionDate", "AcquisitionTime"),
	combined("AcquisitionDateTime"),
	dateOnly("StudyDate"),
	dateOnly("SeriesDate"),
	dateOnly("AcquisitionDate"),
}

// Acquisition timestamp precedence: series first (it is the closest to
// the actual scan), content date/time covers screen saves.
var acquisitionSources = []source{
	pair("SeriesDate", "SeriesTime"),
	pair("AcquisitionDate", "AcquisitionTime"),
	combined("AcquisitionDateTime"),
	pair("ContentDate", "ContentTime"),
	pair("StudyDate", "StudyTime"),
	dateOnly("SeriesDate"),
	dateOnly("AcquisitionDate"),
	dateOnly("StudyDate"),
}

// Resolver combines DICOM date and time tags into localized
// timestamps.
type Resolver struct {
	log *slog.Logger
	loc *time.Location
}

// NewResolver returns a Resolver localizing into loc. A nil loc means
// UTC.
func NewResolver(loc *time.Location, log *slog.Logger) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log, loc: loc}
}

// Resolve returns the session and acquisition timestamps for h. A slot
// whose source tags are missing, or whose localization fails, resolves
// to the empty string; neither case is an error.
func (r *Resolver) Resolve(h header.Header) (session, acquisition string) {
	return r.fromSources(h, sessionSources), r.fromSources(h, acquisitionSources)
}

func (r *Resolver) fromSources(h header.Header, sources []source) string {
	for _, src := range sources {
		date, tm, ok := src(h)
		if !ok {
			continue
		}
		ts, err := r.format(date, tm)
		if err != nil {
			r.log.Warn("failed to create timestamp", "date", date, "time", tm, "error", err)
			return ""
		}
		return ts
	}
	return ""
}

// format combines an 8-digit date with the first six digits of a time
// (fractional seconds are ignored) and localizes the result.
func (r *Resolver) format(date, tm string) (string, error) {
	if len(date) != dateLen {
		return "", fmt.Errorf("date %q is not 8 digits", date)
	}
	if len(tm) < timeLen {
		return "", fmt.Errorf("time %q is shorter than 6 digits", tm)
	}
	t, err := time.ParseInLocation(combinedLayout, date+tm[:timeLen], r.loc)
	if err != nil {
		return "", err
	}
	return t.Format(isoLayout), nil
}

func pair(dateKey, timeKey string) source {
	return func(h header.Header) (string, string, bool) {
		date := stringValue(h, dateKey)
		tm := stringValue(h, timeKey)
		if date == "" || tm == "" {
			return "", "", false
		}
		return date, tm, true
	}
}

// combined splits a DT value into its date (first 8 digits) and time
// remainder.
func combined(key string) source {
	return func(h header.Header) (string, string, bool) {
		v := stringValue(h, key)
		if len(v) <= dateLen {
			return "", "", false
		}
		return v[:dateLen], v[dateLen:], true
	}
}

func dateOnly(dateKey string) source {
	return func(h header.Header) (string, string, bool) {
		date := stringValue(h, dateKey)
		if date == "" {
			return "", "", false
		}
		return date, defaultTime, true
	}
}

// stringValue reads a header entry that is expected to be a string,
// tolerating the singleton-list form produced by multiplicity fixes.
func stringValue(h header.Header, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Location resolves an IANA timezone name, falling back to the local
// system timezone when the name is empty or unknown.
func Location(name string, log *slog.Logger) *time.Location {
	if log == nil {
		log = slog.Default()
	}
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Warn("unknown timezone, using system timezone", "timezone", name)
		return time.Local
	}
	return loc
}
