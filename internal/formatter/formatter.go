// Package formatter renders CLI results as a table, JSON or YAML.
package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/bms/internal/aging"
	"github.com/harunnryd/bms/internal/bundle"
	"github.com/harunnryd/bms/internal/process"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// Formatter renders each result type the CLI prints. Empty inputs render
// as an explicit empty value, never as an error.
type Formatter interface {
	FormatBundles([]bundle.BundleInfo) (string, error)
	FormatBundle(*bundle.BundleInfo) (string, error)
	FormatReport(*aging.Report) (string, error)
	FormatPlan(*aging.Plan) (string, error)
	FormatEvents([]bundle.Event) (string, error)
	FormatProcesses([]process.Launch) (string, error)
}

var constructors = map[OutputFormat]func() Formatter{
	OutputFormatTable: func() Formatter { return NewTableFormatter() },
	OutputFormatJSON:  func() Formatter { return NewJSONFormatter() },
	OutputFormatYAML:  func() Formatter { return NewYAMLFormatter() },
}

const supported = "table, json, yaml"

func New(format OutputFormat) (Formatter, error) {
	mk, ok := constructors[format]
	if !ok {
		return nil, fmt.Errorf("output format %q not supported (want %s)", format, supported)
	}
	return mk(), nil
}

// ParseOutputFormat is case-insensitive. An empty string means table.
func ParseOutputFormat(s string) (OutputFormat, error) {
	f := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return OutputFormatTable, nil
	}
	if _, ok := constructors[f]; !ok {
		return "", fmt.Errorf("output format %q not supported (want %s)", s, supported)
	}
	return f, nil
}
