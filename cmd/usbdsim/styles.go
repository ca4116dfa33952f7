package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"
)

var (
	borderColor = lipgloss.AdaptiveColor{Light: "#6C6CFF", Dark: "#6C6CFF"}
	okColor     = lipgloss.AdaptiveColor{Light: "#006400", Dark: "#9FF29A"}
	errColor    = lipgloss.AdaptiveColor{Light: "#8B0000", Dark: "#FF6B6B"}
	dimColor    = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}

	baseCell    = lipgloss.NewStyle().Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(borderColor).MarginTop(1)
	okStyle     = lipgloss.NewStyle().Foreground(okColor).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(errColor).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(dimColor)
)

// renderTable draws rows under headers. Columns listed in right are
// right-aligned.
func renderTable(headers []string, rows [][]string, right ...int) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(borderColor)).
		Headers(lo.Map(headers, func(h string, _ int) string { return headerStyle.Render(h) })...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if lo.Contains(right, col) {
				return baseCell.Align(lipgloss.Right)
			}
			return baseCell.Align(lipgloss.Left)
		})
	return t.Render()
}

func title(s string) string {
	return titleStyle.Render(s)
}
