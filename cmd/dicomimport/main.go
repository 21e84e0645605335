// Command dicomimport extracts, validates and normalizes the metadata
// of a DICOM file or zip archive, writing a canonical metadata document
// and an error log next to it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mrsinham/dicomimport/internal/archive"
	"github.com/mrsinham/dicomimport/internal/classify"
	"github.com/mrsinham/dicomimport/internal/config"
	"github.com/mrsinham/dicomimport/internal/metadata"
	"github.com/mrsinham/dicomimport/internal/timestamp"
	"github.com/mrsinham/dicomimport/internal/validation"
)

// errorLogSuffix is appended to the input's base name to form the error
// log file name.
const errorLogSuffix = ".error.log.json"

// version is set at build time via -ldflags
var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath     string
		template       string
		force          bool
		splitLocalizer bool
		splitSeries    bool
		timezone       string
		outputDir      string
	)

	cmd := &cobra.Command{
		Use:           "dicomimport <dicom-file-or-zip>",
		Short:         "Extract, validate and normalize DICOM metadata",
		Long:          "dicomimport reads a DICOM file or zip archive, normalizes its header,\nvalidates it against configurable rules and an optional JSON Schema\ntemplate, and writes a canonical metadata document for ingestion.",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadFromYAML(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			flags := cmd.Flags()
			if flags.Changed("template") {
				cfg.Template = template
			}
			if flags.Changed("force") {
				cfg.Force = force
			}
			if flags.Changed("split-localizer") {
				cfg.SplitLocalizer = splitLocalizer
			}
			if flags.Changed("split-series") {
				cfg.SplitSeries = splitSeries
			}
			if flags.Changed("timezone") {
				cfg.Timezone = timezone
			}
			if flags.Changed("output") {
				cfg.OutputDir = outputDir
			}

			return run(args[0], cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML run configuration file")
	cmd.Flags().StringVar(&template, "template", "", "JSON Schema template to validate the header against")
	cmd.Flags().BoolVar(&force, "force", false, "retry files that fail the strict DICOM decode")
	cmd.Flags().BoolVar(&splitLocalizer, "split-localizer", false, "split archives containing an embedded localizer")
	cmd.Flags().BoolVar(&splitSeries, "split-series", false, "split archives mixing several series")
	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone for timestamps (default: system local)")
	cmd.Flags().StringVar(&outputDir, "output", ".", "output directory")
	return cmd
}

func run(input string, cfg *config.Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	var schemaValidator *validation.SchemaValidator
	if cfg.Template != "" {
		template, err := config.LoadTemplate(cfg.Template)
		if err != nil {
			writeFatalArtifact(input, cfg.OutputDir, err, log)
			return err
		}
		if schemaValidator, err = validation.NewSchemaValidator(template, log); err != nil {
			writeFatalArtifact(input, cfg.OutputDir, err, log)
			return err
		}
	}

	arc, err := archive.NewReader(cfg.Force, nil, log).Open(input)
	if err != nil {
		writeFatalArtifact(input, cfg.OutputDir, err, log)
		return err
	}
	defer arc.Close()

	if done, err := maybeSplit(arc, cfg, log); done || err != nil {
		return err
	}

	errs := validation.NewRuleValidator(cfg.Force, log).Validate(arc.Files)
	if schemaValidator != nil {
		schemaErrs, err := schemaValidator.Validate(arc.Representative.Header)
		if err != nil {
			return err
		}
		errs = append(errs, schemaErrs...)
	}

	resolver := timestamp.NewResolver(timestamp.Location(cfg.Timezone, log), log)
	classifier := classify.NewClassifier(cfg.Rules(), log)
	doc := metadata.NewAssembler(resolver, classifier, log).Assemble(arc)

	if len(errs) > 0 {
		doc.MarkErrors()
		logPath := filepath.Join(cfg.OutputDir, filepath.Base(input)+errorLogSuffix)
		if err := validation.WriteErrorLog(logPath, errs); err != nil {
			return err
		}
		log.Info("wrote error log", "path", logPath, "errors", len(errs))
	}

	path, err := doc.Write(cfg.OutputDir)
	if err != nil {
		return err
	}
	log.Info("wrote metadata", "path", path)
	return nil
}

// writeFatalArtifact emits the error log for a run-aborting failure so
// downstream consumers get a diagnostic even though no metadata
// document will be written. Best effort: a write failure is logged, the
// run aborts with the original error either way.
func writeFatalArtifact(input, outputDir string, runErr error, log *slog.Logger) {
	logPath := filepath.Join(outputDir, filepath.Base(input)+errorLogSuffix)
	errs := []validation.Error{{ErrorMessage: runErr.Error()}}
	if err := validation.WriteErrorLog(logPath, errs); err != nil {
		log.Error("failed to write error log", "path", logPath, "error", err)
		return
	}
	log.Info("wrote error log", "path", logPath, "errors", 1)
}

// maybeSplit rewrites a heterogeneous archive as separate archives in
// the output directory, each re-ingestible on its own. When a split
// happens the run stops there.
func maybeSplit(arc *archive.Archive, cfg *config.Config, log *slog.Logger) (bool, error) {
	splitter := archive.NewSplitter(log)

	switch {
	case cfg.SplitLocalizer && archive.ContainsEmbeddedLocalizer(arc.Files):
		log.Info("archive contains an embedded localizer, splitting", "path", arc.Path)
		outputs, err := splitter.Split(arc, "ImageOrientationPatient", cfg.OutputDir, "_localizer", false)
		if err != nil {
			return false, err
		}
		log.Info("split complete, re-ingest each archive separately", "archives", outputs)
		return true, nil
	case cfg.SplitSeries && archive.ContainsMultipleSeries(arc.Files):
		log.Info("archive contains multiple series, splitting", "path", arc.Path)
		outputs, err := splitter.Split(arc, "SeriesInstanceUID", cfg.OutputDir, "", true)
		if err != nil {
			return false, err
		}
		log.Info("split complete, re-ingest each archive separately", "archives", outputs)
		return true, nil
	}
	return false, nil
}
