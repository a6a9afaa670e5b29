package config

import (
	"fmt"
	"strings"

	"github.com/haohanyang/compass/internal/probe"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users but
	// does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation finding.
//
// Path is a dotted path into the config (e.g. "storage.kind",
// "fields[1].type").
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// ValidateImport performs static validation of an Import. It does not mutate
// the config.
func ValidateImport(c Import) []Issue {
	var issues []Issue

	if strings.TrimSpace(c.Source.Path) == "" {
		issues = append(issues, Issue{SeverityError, "source.path", "source path must not be empty"})
	}
	issues = append(issues, validateNamespace(c.Namespace)...)
	issues = append(issues, validateParser(c.Parser)...)

	seen := map[string]int{}
	for i, f := range c.Fields {
		p := fmt.Sprintf("fields[%d]", i)
		if strings.TrimSpace(f.Path) == "" {
			issues = append(issues, Issue{SeverityError, p + ".path", "field path must not be empty"})
			continue
		}
		if prev, dup := seen[f.Path]; dup {
			issues = append(issues, Issue{SeverityWarning, p + ".path",
				fmt.Sprintf("duplicate override for %q (also fields[%d]); last one wins", f.Path, prev)})
		}
		seen[f.Path] = i
		if f.Type != "" {
			if _, err := probe.ParseType(f.Type); err != nil {
				issues = append(issues, Issue{SeverityError, p + ".type", err.Error()})
			}
		}
	}
	if c.Parser.Kind == "json" || c.Parser.Kind == "jsonl" {
		for i, f := range c.Fields {
			if f.Type != "" {
				issues = append(issues, Issue{SeverityWarning, fmt.Sprintf("fields[%d].type", i),
					"type overrides are ignored for JSON inputs"})
			}
		}
	}

	issues = append(issues, validateStorage(c.Storage)...)
	issues = append(issues, validateRuntime(c.Runtime)...)
	return issues
}

// ValidateExport performs static validation of an Export.
func ValidateExport(c Export) []Issue {
	var issues []Issue

	issues = append(issues, validateNamespace(c.Namespace)...)
	if strings.TrimSpace(c.Destination) == "" {
		issues = append(issues, Issue{SeverityError, "destination", "destination must not be empty"})
	}
	switch c.Format {
	case "csv", "json", "jsonl":
	case "":
		issues = append(issues, Issue{SeverityError, "format", "format must be one of csv, json, jsonl"})
	default:
		issues = append(issues, Issue{SeverityError, "format", fmt.Sprintf("unsupported format %q", c.Format)})
	}
	issues = append(issues, validateStorage(c.Storage)...)
	issues = append(issues, validateRuntime(c.Runtime)...)
	return issues
}

func validateNamespace(ns string) []Issue {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return []Issue{{SeverityError, "namespace", fmt.Sprintf("namespace %q must be database.collection", ns)}}
	}
	return nil
}

func validateParser(p Parser) []Issue {
	var issues []Issue
	switch p.Kind {
	case "", "csv", "json", "jsonl":
	default:
		issues = append(issues, Issue{SeverityError, "parser.kind", fmt.Sprintf("unsupported parser kind %q", p.Kind)})
	}
	if d := p.Options.String("delimiter", ""); d != "" {
		switch p.Options.Rune("delimiter", ',') {
		case ',', '\t', ';', ' ':
		default:
			issues = append(issues, Issue{SeverityWarning, "parser.options.delimiter",
				fmt.Sprintf("delimiter %q is not one of the detected candidates", d)})
		}
		if p.Kind == "json" || p.Kind == "jsonl" {
			issues = append(issues, Issue{SeverityWarning, "parser.options.delimiter", "delimiter is ignored for JSON inputs"})
		}
	}
	return issues
}

func validateStorage(s Storage) []Issue {
	var issues []Issue
	if strings.TrimSpace(s.Kind) == "" {
		issues = append(issues, Issue{SeverityError, "storage.kind", "storage kind must not be empty"})
	}
	if s.Kind != "" && s.Kind != "memory" && strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{SeverityError, "storage.dsn", fmt.Sprintf("dsn is required for storage kind %q", s.Kind)})
	}
	return issues
}

func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue
	if r.BatchSize < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.batch_size", "batch_size must be >= 0"})
	}
	if r.BatchSize > 100_000 {
		issues = append(issues, Issue{SeverityWarning, "runtime.batch_size", "very large batches hold many documents in memory"})
	}
	if r.ChannelBuffer < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.channel_buffer", "channel_buffer must be >= 0"})
	}
	if r.ProgressIntervalMS < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.progress_interval_ms", "progress_interval_ms must be >= 0"})
	}
	if r.PreviewRows < 0 || r.SampleLimit < 0 {
		issues = append(issues, Issue{SeverityError, "runtime", "preview_rows and sample_limit must be >= 0"})
	}
	return issues
}
