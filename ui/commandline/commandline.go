// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for fine-tuning and evaluating dialogue
// models from the command line.
package commandline

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
)

// ReportResults writes a table with the metric values in results, sorted by name.
func ReportResults(w io.Writer, title string, results map[string]float64) error {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		}).
		Headers("Metric", "Value")
	for _, name := range slices.Sorted(maps.Keys(results)) {
		table.Row(name, fmt.Sprintf("%.4f", results[name]))
	}
	_, err := fmt.Fprintf(w, "%s:\n%s\n", title, table.String())
	return err
}
