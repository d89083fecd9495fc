package format

import (
	"fmt"
	"io"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Tabular is implemented by result types that know how to lay themselves
// out as a table.
type Tabular interface {
	TableColumns() []table.Column
	TableRows() []table.Row
}

// TableFormatter formats output as a table
type TableFormatter struct {
	writer io.Writer
}

// Format implements the Formatter interface for tables
func (f *TableFormatter) Format(data interface{}) error {
	tab, ok := data.(Tabular)
	if !ok {
		return fmt.Errorf("%T cannot be rendered as a table", data)
	}

	rows := tab.TableRows()
	tableHeight := len(rows)
	if tableHeight == 0 {
		tableHeight = 1
	}

	t := table.New(
		table.WithColumns(tab.TableColumns()),
		table.WithRows(rows),
		table.WithFocused(false),
		table.WithHeight(tableHeight),
		table.WithWidth(220),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)

	tableView := t.View()
	if tableView == "" {
		return f.fallbackTextOutput(tab)
	}
	_, err := fmt.Fprintln(f.writer, tableView)
	return err
}

// fallbackTextOutput provides a simple text output when table rendering fails
func (f *TableFormatter) fallbackTextOutput(tab Tabular) error {
	columns := tab.TableColumns()
	for i, row := range tab.TableRows() {
		if i > 0 {
			_, _ = fmt.Fprintln(f.writer, "---")
		}
		for c, col := range columns {
			if c < len(row) {
				_, _ = fmt.Fprintf(f.writer, "%s: %s\n", col.Title, row[c])
			}
		}
	}
	return nil
}
