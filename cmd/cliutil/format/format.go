// Package format renders command output as a table or as JSON, selected by
// the --output flag.
package format

import (
	"encoding/json"
	"fmt"
	"io"
)

// OutputFormat selects how command results are rendered.
type OutputFormat string

const (
	TableFormat OutputFormat = "table"
	JSONFormat  OutputFormat = "json"
)

// ParseOutputFormat resolves the --output flag value; empty means table.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch s {
	case "table", "":
		return TableFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (valid formats: table or json)", s)
	}
}

// Formatter renders one result value to the command's writer.
type Formatter interface {
	Format(data interface{}) error
}

// NewFormatter returns the Formatter for the given output format.
func NewFormatter(format OutputFormat, writer io.Writer) Formatter {
	switch format {
	case JSONFormat:
		return &JSONFormatter{writer: writer}
	default:
		return &TableFormatter{writer: writer}
	}
}

// JSONFormatter renders results as indented JSON.
type JSONFormatter struct {
	writer io.Writer
}

func (f *JSONFormatter) Format(data interface{}) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
