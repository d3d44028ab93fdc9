// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: hyperparameter settings
// from flags, tables and a progress bar.
package commandline

import (
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// newTable creates a table with rounded borders, with the first column right aligned.
func newTable(headers ...string) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == lgtable.HeaderRow:
				return headerStyle
			case col == 0:
				return rightAlignedStyle
			default:
				return normalStyle
			}
		})
	if len(headers) > 0 {
		table.Headers(headers...)
	}
	return table
}

// SprintTable renders rows of (name, value) pairs as a table, with the given title as header.
// If title is empty, the table has no header.
func SprintTable(title string, rows [][2]string) string {
	var table *lgtable.Table
	if title == "" {
		table = newTable()
	} else {
		table = newTable(title, "")
	}
	for _, row := range rows {
		table.Row(row[0], row[1])
	}
	return table.String()
}
