// Package render formats prompt trees, status panels and JSON documents for
// the terminal.
package render

import "github.com/charmbracelet/lipgloss"

// Autumn palette
var (
	ColorMuted  = lipgloss.Color("#5c5044")
	ColorText   = lipgloss.Color("#ab937b")
	ColorRed    = lipgloss.Color("#d95f5f")
	ColorOrange = lipgloss.Color("#eb8755")
	ColorYellow = lipgloss.Color("#f5b761")
	ColorGreen  = lipgloss.Color("#93b56b")
	ColorCyan   = lipgloss.Color("#61afaf")
	ColorPurple = lipgloss.Color("#976bb5")
)

// Styles used by the renderers. Plain leaves text untouched.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Value   lipgloss.Style
	Muted   lipgloss.Style
	Good    lipgloss.Style
	Warning lipgloss.Style
	Bad     lipgloss.Style
	Prompt  lipgloss.Style
	Image   lipgloss.Style
	Panel   lipgloss.Style
}

// DefaultStyles returns the colored styles
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorOrange),
		Label:   lipgloss.NewStyle().Foreground(ColorMuted).Width(18),
		Value:   lipgloss.NewStyle().Foreground(ColorText),
		Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
		Good:    lipgloss.NewStyle().Foreground(ColorGreen),
		Warning: lipgloss.NewStyle().Foreground(ColorYellow),
		Bad:     lipgloss.NewStyle().Foreground(ColorRed).Bold(true),
		Prompt:  lipgloss.NewStyle().Foreground(ColorCyan),
		Image:   lipgloss.NewStyle().Foreground(ColorPurple),
		Panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorMuted).Padding(0, 1),
	}
}

// PlainStyles returns styles that add no escape codes or borders
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{
		Title:   plain,
		Label:   plain.Width(18),
		Value:   plain,
		Muted:   plain,
		Good:    plain,
		Warning: plain,
		Bad:     plain,
		Prompt:  plain,
		Image:   plain,
		Panel:   plain,
	}
}
