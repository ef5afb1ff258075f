package domain

import "strings"

// Output formats understood by the statistics worker.
const (
	OutputFormatJSON = "json"
	OutputFormatCSV  = "csv"
	OutputFormatYAML = "yaml"
)

// DefaultTaskTimeoutSeconds bounds a task's running time when no repository
// configuration overrides it.
const DefaultTaskTimeoutSeconds = 600

// StatConfig controls how code statistics are computed for a repository:
// which files count, the output format, and the execution time budget.
// A Task holds its own copy, immutable for the task's lifetime.
type StatConfig struct {
	ExcludeExts  []string `json:"exclude_ext,omitempty"  mapstructure:"exclude_ext"`
	ExcludeLangs []string `json:"exclude_lang,omitempty" mapstructure:"exclude_lang"`
	IncludeExts  []string `json:"include_ext,omitempty"  mapstructure:"include_ext"`
	OutputFormat string   `json:"output_format"          mapstructure:"output_format"`
	UseGitignore bool     `json:"use_gitignore"          mapstructure:"use_gitignore"`

	// TimeoutSeconds is the task's running-time budget.
	TimeoutSeconds int `json:"timeout" mapstructure:"timeout"`
}

// DefaultStatConfig returns the process-wide default execution configuration.
func DefaultStatConfig() StatConfig {
	return StatConfig{
		OutputFormat:   OutputFormatJSON,
		UseGitignore:   true,
		TimeoutSeconds: DefaultTaskTimeoutSeconds,
	}
}

// Args serializes the configuration into the worker's command line arguments.
func (c StatConfig) Args() []string {
	var args []string

	if len(c.ExcludeExts) > 0 {
		args = append(args, "--exclude-ext", strings.Join(c.ExcludeExts, ","))
	}
	if len(c.ExcludeLangs) > 0 {
		args = append(args, "--exclude-lang", strings.Join(c.ExcludeLangs, ","))
	}
	if len(c.IncludeExts) > 0 {
		args = append(args, "--include-ext", strings.Join(c.IncludeExts, ","))
	}

	switch c.OutputFormat {
	case OutputFormatJSON:
		args = append(args, "--json")
	case OutputFormatCSV:
		args = append(args, "--csv")
	case OutputFormatYAML:
		args = append(args, "--yaml")
	}

	return args
}

// Clone returns a deep copy of the configuration.
func (c StatConfig) Clone() StatConfig {
	out := c
	out.ExcludeExts = append([]string(nil), c.ExcludeExts...)
	out.ExcludeLangs = append([]string(nil), c.ExcludeLangs...)
	out.IncludeExts = append([]string(nil), c.IncludeExts...)
	return out
}
