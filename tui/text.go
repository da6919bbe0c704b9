package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	textStyleColor    = lipgloss.AdaptiveColor{Light: "#36EEE0", Dark: "#00FFFF"}
	mutedStyleColor   = lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"}
	warningStyleColor = lipgloss.AdaptiveColor{Light: "#FFA500", Dark: "#FFA500"}
	titleStyleColor   = lipgloss.AdaptiveColor{Light: "#071330", Dark: "#F652A0"}
	messageOKColor    = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	messageOKStyle    = lipgloss.NewStyle().Foreground(messageOKColor)
	messageBadColor   = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
	messageBadStyle   = lipgloss.NewStyle().Foreground(messageBadColor)
)

func render(style lipgloss.Style, text string) string {
	if !HasTTY {
		return text
	}
	return style.Render(text)
}

func Title(text string) string {
	return render(lipgloss.NewStyle().Bold(true).Foreground(titleStyleColor), text)
}

func Bold(text string) string {
	return render(lipgloss.NewStyle().Bold(true).Foreground(textStyleColor), text)
}

func Muted(text string) string {
	return render(lipgloss.NewStyle().Foreground(mutedStyleColor), text)
}

func Warning(text string) string {
	return render(lipgloss.NewStyle().Foreground(warningStyleColor), text)
}

// ShowSuccess writes a check-marked line to w.
func ShowSuccess(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, render(messageOKStyle, " ✓ ")+fmt.Sprintf(msg, args...))
}

// ShowError writes a cross-marked line to w.
func ShowError(w io.Writer, msg string, args ...any) {
	fmt.Fprintln(w, render(messageBadStyle, " ✕ ")+fmt.Sprintf(msg, args...))
}
