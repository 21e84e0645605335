// Package config loads the run configuration: CLI-equivalent settings
// from a YAML file plus the JSON Schema template.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mrsinham/dicomimport/internal/classify"
)

// Config holds the settings for one import run. Flags set on the
// command line override values loaded from a file.
type Config struct {
	// Template is the path to the JSON Schema validation template.
	Template string `yaml:"template"`
	// Force retries failed decodes leniently.
	Force bool `yaml:"force"`
	// SplitLocalizer splits archives with an embedded localizer.
	SplitLocalizer bool `yaml:"split_localizer"`
	// SplitSeries splits archives mixing several series.
	SplitSeries bool `yaml:"split_series"`
	// Timezone is the IANA name used to localize timestamps.
	Timezone string `yaml:"timezone"`
	// OutputDir receives the metadata document, error log and any
	// split archives.
	OutputDir string `yaml:"output"`
	// Classifications are custom classification rules, tried in order
	// before parameter inference.
	Classifications []ClassificationRule `yaml:"classifications,omitempty"`
}

// ClassificationRule pairs a series-description pattern with the
// classification string applied on match.
type ClassificationRule struct {
	Pattern        string `yaml:"pattern"`
	Classification string `yaml:"classification"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{OutputDir: "."}
}

// LoadFromYAML reads a run configuration file.
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "."
	}
	return cfg, nil
}

// Rules converts the configured classification rules to the
// classifier's form.
func (c *Config) Rules() []classify.Rule {
	if len(c.Classifications) == 0 {
		return nil
	}
	rules := make([]classify.Rule, len(c.Classifications))
	for i, r := range c.Classifications {
		rules[i] = classify.Rule{Pattern: r.Pattern, Classification: r.Classification}
	}
	return rules
}

// LoadTemplate reads a JSON Schema template file into the generic form
// the schema validator consumes.
func LoadTemplate(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	var template map[string]any
	if err := json.Unmarshal(data, &template); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	return template, nil
}
