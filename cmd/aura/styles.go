package main

import (
	"fmt"
	"strings"

	"aura/internal/core"
	"aura/internal/cortex"
	"aura/internal/resonance"
	"aura/internal/state"

	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	colorPrimary = lipgloss.Color("#8BC34A") // Lime Green
	colorAccent  = lipgloss.Color("#2196F3") // Blue
	colorMuted   = lipgloss.Color("#6b7a90")
	colorWarning = lipgloss.Color("#FFC107") // Yellow
	colorError   = lipgloss.Color("#e53935") // Red
)

// styles holds the lipgloss styles used by status and watch.
type styles struct {
	Header  lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
	Bar     lipgloss.Style
}

func newStyles() styles {
	return styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(colorAccent).
			Padding(0, 1),
		Label:   lipgloss.NewStyle().Foreground(colorMuted).Width(12),
		Value:   lipgloss.NewStyle().Bold(true),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
		Warning: lipgloss.NewStyle().Foreground(colorWarning),
		Error:   lipgloss.NewStyle().Foreground(colorError),
		Box: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1),
		Bar: lipgloss.NewStyle().Foreground(colorPrimary),
	}
}

// =============================================================================
// STATUS RENDERING
// =============================================================================

// renderStatus draws a compact summary of a tree.
func renderStatus(s styles, tree state.Tree, maxScore float64) string {
	k := core.ReadKernel(tree)

	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, s.Label.Render(label), s.Value.Render(value))
	}

	running := s.Muted.Render("idle")
	if k.Running != nil {
		running = fmt.Sprintf("%s (%s)", k.Running.Kind, shortID(k.Running.ID))
	}
	queue := s.Muted.Render("empty")
	if len(k.Queue) > 0 {
		kinds := make([]string, len(k.Queue))
		for i, t := range k.Queue {
			kinds[i] = t.Kind
		}
		queue = strings.Join(kinds, " → ")
	}

	kernel := lipgloss.JoinVertical(lipgloss.Left,
		row("version", fmt.Sprintf("%d", tree.Version())),
		row("tick", fmt.Sprintf("%d", k.Tick)),
		row("running", running),
		row("queue", queue),
	)

	sections := []string{
		s.Header.Render(" aura "),
		s.Box.Render(kernel),
		s.Box.Render(renderResonance(s, tree, maxScore)),
	}

	if latest, ok := cortex.LatestResult(tree); ok {
		sections = append(sections, s.Box.Render(lipgloss.JoinVertical(lipgloss.Left,
			s.Muted.Render(fmt.Sprintf("last synthesis (tick %d)", latest.Tick)),
			truncate(latest.Text, 72),
		)))
	}

	if errs := cortex.ReadErrors(tree).Entries; len(errs) > 0 {
		last := errs[len(errs)-1]
		sections = append(sections, s.Error.Render(
			fmt.Sprintf("%d error(s); last at tick %d from %s: %s",
				len(errs), last.Tick, last.Source, truncate(last.Message, 60))))
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderResonance(s styles, tree state.Tree, maxScore float64) string {
	top := resonance.Top(tree, 6)
	if len(top) == 0 {
		return s.Muted.Render("no resonance")
	}
	const width = 20
	lines := make([]string, 0, len(top))
	for _, e := range top {
		filled := int(e.Score / maxScore * width)
		if filled > width {
			filled = width
		}
		bar := s.Bar.Render(strings.Repeat("█", filled)) + s.Muted.Render(strings.Repeat("░", width-filled))
		lines = append(lines, fmt.Sprintf("%-10s %s %5.2f", truncate(e.Frequency, 10), bar, e.Score))
	}
	return strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
