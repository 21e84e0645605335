// Package classify infers acquisition classifications from series
// labels and imaging parameters.
package classify

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/mrsinham/dicomimport/internal/header"
)

// Classification maps an aspect (Measurement, Intent, Custom, ...) to
// its values.
type Classification map[string][]string

// Rule matches a series description against a classification string. A
// pattern wrapped in slashes is a case-insensitive regular expression,
// anything else is a shell-style glob matched case-insensitively.
type Rule struct {
	Pattern        string
	Classification string
}

var (
	listSeparator     = regexp.MustCompile(`\s*,\s*`)
	keyValueSeparator = regexp.MustCompile(`\s*:\s*`)
)

// Classifier applies custom rules first and falls back to inference
// from imaging parameters.
type Classifier struct {
	log   *slog.Logger
	rules []Rule
}

func NewClassifier(rules []Rule, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{log: log, rules: rules}
}

// Classify returns the classification for the representative header.
// sliceCount is the number of decoded images in the acquisition and
// uniqueIOP reports that every image had a distinct orientation, both
// hints that the acquisition is a localizer.
func (c *Classifier) Classify(h header.Header, sliceCount int, uniqueIOP bool) Classification {
	label, _ := h["SeriesDescription"].(string)

	if label != "" {
		if custom := c.fromRules(label); custom != nil {
			c.log.Info("custom classification matched", "label", label, "classification", custom)
			return custom
		}
	}
	return c.fromParameters(h, label, sliceCount, uniqueIOP)
}

func (c *Classifier) fromRules(label string) Classification {
	for _, rule := range c.rules {
		if len(rule.Pattern) > 2 && strings.HasPrefix(rule.Pattern, "/") && strings.HasSuffix(rule.Pattern, "/") {
			expr, err := regexp.Compile("(?i)" + rule.Pattern[1:len(rule.Pattern)-1])
			if err != nil {
				c.log.Error("invalid regular expression in classification rule", "pattern", rule.Pattern, "error", err)
				continue
			}
			if expr.MatchString(label) {
				return c.ParseClassificationString(rule.Classification)
			}
			continue
		}
		matcher, err := glob.Compile(strings.ToLower(rule.Pattern))
		if err != nil {
			c.log.Error("invalid glob in classification rule", "pattern", rule.Pattern, "error", err)
			continue
		}
		if matcher.Match(strings.ToLower(label)) {
			return c.ParseClassificationString(rule.Classification)
		}
	}
	return nil
}

// ParseClassificationString parses "Key: A, B, Other: C" into a
// Classification. Values without a key attach to the previous key, or
// to Custom when none has been seen yet.
func (c *Classifier) ParseClassificationString(value string) Classification {
	result := Classification{}
	lastKey := ""
	for _, part := range listSeparator.Split(value, -1) {
		keyValue := keyValueSeparator.Split(part, -1)

		var key, val string
		if len(keyValue) == 2 {
			key, val = keyValue[0], keyValue[1]
			lastKey = key
		} else if lastKey != "" {
			key, val = lastKey, part
		} else {
			c.log.Warn("unknown classification format", "part", part)
			key, val = "Custom", part
		}
		result[key] = append(result[key], val)
	}
	return result
}

// fromParameters deduces a classification from echo, repetition and
// inversion times, the series description and localizer hints.
func (c *Classifier) fromParameters(h header.Header, label string, sliceCount int, uniqueIOP bool) Classification {
	c.log.Info("attempting to deduce classification from imaging parameters")
	tr, _ := floatParam(h, "RepetitionTime", c.log)
	te, _ := floatParam(h, "EchoTime", c.log)
	ti, hasTI := floatParam(h, "InversionTime", c.log)

	result := Classification{}
	switch {
	case te > 0 && te < 30 && tr > 0 && tr < 8000:
		result["Measurement"] = []string{"T1"}
	case te > 50 && tr > 2000 && hasTI && ti == 0:
		result["Measurement"] = []string{"T2"}
	case te > 50 && tr > 8000 && ti > 1500 && ti < 3000:
		result["Measurement"] = []string{"FLAIR"}
	case te > 0 && te < 50 && tr > 1000:
		result["Measurement"] = []string{"PD"}
	}

	if label != "" && strings.Contains(strings.ToUpper(label), "POST") {
		result["Custom"] = []string{"Contrast"}
	}

	if (sliceCount > 0 && sliceCount < 10) || uniqueIOP {
		result["Intent"] = []string{"Localizer"}
	}

	if len(result) == 0 {
		c.log.Warn("could not determine classification based on parameters")
		return nil
	}
	c.log.Info("inferred classification from parameters", "classification", result)
	return result
}

// floatParam reads a numeric imaging parameter, tolerating the int form
// the normalizer produces for whole values. The boolean distinguishes a
// present zero (meaningful for InversionTime) from an absent tag.
func floatParam(h header.Header, key string, log *slog.Logger) (float64, bool) {
	switch v := h[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	log.Warn("imaging parameter unset", "parameter", key)
	return 0, false
}
