package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table lays rows out in left-aligned columns under a header row.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	b.WriteString(line(header, widths, RenderHeader))
	for _, row := range rows {
		b.WriteString(line(row, widths, nil))
	}
	return b.String()
}

func line(cells []string, widths []int, style func(string) string) string {
	parts := make([]string, len(widths))
	for i := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		pad := strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
		if style != nil {
			cell = style(cell)
		}
		parts[i] = cell + pad
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ") + "\n"
}

// KeyValue renders aligned "key: value" lines.
func KeyValue(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if w := lipgloss.Width(p[0]); w > width {
			width = w
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		b.WriteString(RenderMuted(p[0]+":") + strings.Repeat(" ", width-lipgloss.Width(p[0])+1) + p[1] + "\n")
	}
	return b.String()
}
