// Package config defines the serializable configuration model for import and
// export runs. A run file is JSON or YAML; both decode into the same structs.
//
// Example (trimmed):
//
//	{
//	  "source":    { "path": "people.csv" },
//	  "parser":    { "kind": "csv", "options": { "delimiter": ";" } },
//	  "namespace": "crm.people",
//	  "fields":    [ { "path": "age", "type": "number" }, { "path": "notes", "exclude": true } ],
//	  "ignore_blanks": true,
//	  "storage":   { "kind": "postgres", "dsn": "postgresql://..." },
//	  "runtime":   { "batch_size": 1000 }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Import describes a single import run.
type Import struct {
	Source    Source `json:"source" yaml:"source"`
	Parser    Parser `json:"parser" yaml:"parser"`
	Namespace string `json:"namespace" yaml:"namespace"`

	// Fields holds per-field overrides applied on top of the analyzer's
	// detected types. For JSON inputs only Exclude is honored.
	Fields []FieldOverride `json:"fields" yaml:"fields"`

	StopOnErrors bool `json:"stop_on_errors" yaml:"stop_on_errors"`
	IgnoreBlanks bool `json:"ignore_blanks" yaml:"ignore_blanks"`

	// Analyze runs the type analyzer before the import. Without it every CSV
	// field is imported with its override type or as a string.
	Analyze bool `json:"analyze" yaml:"analyze"`

	Storage Storage       `json:"storage" yaml:"storage"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`

	// UserDataDir is the root under which ImportErrorLogs/ is created. Empty
	// means the platform user config directory.
	UserDataDir string `json:"user_data_dir" yaml:"user_data_dir"`
}

// Export describes a single export run.
type Export struct {
	Namespace string `json:"namespace" yaml:"namespace"`

	// Destination is the output file path.
	Destination string `json:"destination" yaml:"destination"`

	// Format is one of "csv", "json" or "jsonl".
	Format string `json:"format" yaml:"format"`

	// Fields restricts the exported paths. Empty exports every path; for CSV
	// the paths are then gathered from the collection first.
	Fields []string `json:"fields" yaml:"fields"`

	Storage Storage       `json:"storage" yaml:"storage"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
}

// Source identifies the input file.
type Source struct {
	Path string `json:"path" yaml:"path"`
}

// Parser selects how the input is parsed. An empty Kind means "detect".
//
// Recognized options:
//
//	delimiter (string)      CSV delimiter; overrides detection
//	preview_rows (int)      CSV preview window size
//	sample_docs (int)       JSON documents sampled for field listing
type Parser struct {
	Kind    string  `json:"kind" yaml:"kind"`
	Options Options `json:"options" yaml:"options"`
}

// FieldOverride is a user decision for one field path.
type FieldOverride struct {
	Path    string `json:"path" yaml:"path"`
	Type    string `json:"type" yaml:"type"`
	Exclude bool   `json:"exclude" yaml:"exclude"`
}

// Storage selects the backing store.
type Storage struct {
	// Kind is a registered backend: "memory", "postgres", "sqlite", "mssql",
	// "mysql".
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// RuntimeConfig controls batching and reporting.
type RuntimeConfig struct {
	BatchSize          int `json:"batch_size" yaml:"batch_size"`
	ChannelBuffer      int `json:"channel_buffer" yaml:"channel_buffer"`
	ProgressIntervalMS int `json:"progress_interval_ms" yaml:"progress_interval_ms"`
	PreviewRows        int `json:"preview_rows" yaml:"preview_rows"`
	SampleLimit        int `json:"sample_limit" yaml:"sample_limit"`
}

// Load decodes the file at path into v. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func Load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, v); err != nil {
			return fmt.Errorf("decode yaml %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, v); err != nil {
			return fmt.Errorf("decode json %s: %w", path, err)
		}
	}
	return nil
}

// Options is a small helper to fetch typed values from arbitrary decoded maps.
// It performs only minimal type coercion and returns provided defaults when a
// key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers decode as float64
// and YAML numbers as int, so both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty. The escape "\t" and the word "tab" both yield a tab.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			switch strings.ToLower(s) {
			case `\t`, "tab":
				return '\t'
			case "space":
				return ' '
			}
			return []rune(s)[0]
		}
	}
	return def
}

// StringSlice returns a []string for key when the value is an array of
// strings. Returns nil when the key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// UnmarshalJSON makes a missing or null "options" object decode to a non-nil,
// empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}
