package ui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	statusStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selfStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	peerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true)
	systemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	fileStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Faint(true)
	inputBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("205")).Padding(0, 1)
	chatBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
)
