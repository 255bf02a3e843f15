package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"clinic-vault/engine/internal/backuperr"
)

var (
	colorPrimary = lipgloss.AdaptiveColor{Light: "#25A065", Dark: "#3FD18A"}
	colorError   = lipgloss.AdaptiveColor{Light: "#D70000", Dark: "#FF5F5F"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#AF8700", Dark: "#FFD75F"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#6C6C6C", Dark: "#8A8A8A"}

	StyleTitle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	StyleSuccess = lipgloss.NewStyle().Foreground(colorPrimary)
	StyleError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	StyleWarning = lipgloss.NewStyle().Foreground(colorWarning)
	StyleMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	StyleHeader  = lipgloss.NewStyle().Bold(true).Underline(true)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "!"
	iconInfo    = "•"
)

func FormatSuccess(msg string) string { return StyleSuccess.Render(iconSuccess + " " + msg) }
func FormatError(msg string) string   { return StyleError.Render(iconError + " " + msg) }
func FormatWarning(msg string) string { return StyleWarning.Render(iconWarning + " " + msg) }
func FormatInfo(msg string) string    { return StyleMuted.Render(iconInfo + " " + msg) }

func printWarnings(ws []backuperr.Warning) {
	for _, w := range ws {
		fmt.Println(FormatWarning(fmt.Sprintf("%s: %s", w.Kind, w.Msg)))
	}
}
