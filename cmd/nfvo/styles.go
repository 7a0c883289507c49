package main

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// painter renders styles only when writing to a terminal.
type painter struct {
	styled bool
}

func newPainter(w io.Writer) painter {
	return painter{styled: isTerminal(w)}
}

func (p painter) paint(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}
