package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"

	"github.com/geofield/fieldsync"
)

// Palette
var (
	colorPrimary      = lipgloss.Color("#B7793E") // sandstone
	colorPrimaryLight = lipgloss.Color("#D9A066")
	colorPrimaryDark  = lipgloss.Color("#8A5A2B")

	colorText  = lipgloss.Color("#F2F0EB")
	colorMuted = lipgloss.Color("240")

	colorSuccess = lipgloss.Color("#22C55E")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorInfo    = lipgloss.Color("#3B82F6")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle   = lipgloss.NewStyle().Foreground(colorPrimaryLight).Bold(true)
	headerStyle  = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
)

const (
	iconSuccess = "✓"
	iconError   = "✗"
	iconWarning = "⚠"
	iconInfo    = "●"
)

// Tests force TTY or plain output through testIsTTYOverride.
var (
	testIsTTYMutex    sync.Mutex
	testIsTTYOverride *bool
)

// isTTY returns true if stdout is a terminal
func isTTY() bool {
	testIsTTYMutex.Lock()
	override := testIsTTYOverride
	testIsTTYMutex.Unlock()
	if override != nil {
		return *override
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printStyled(w io.Writer, icon string, style lipgloss.Style, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintf(w, "%s %s\n", style.Render(icon), msg)
	} else {
		fmt.Fprintf(w, "%s %s\n", icon, msg)
	}
}

func printSuccess(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconSuccess, successStyle, format, args...)
}

func printError(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconError, errorStyle, format, args...)
}

func printWarning(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconWarning, warningStyle, format, args...)
}

func printInfo(w io.Writer, format string, args ...interface{}) {
	printStyled(w, iconInfo, infoStyle, format, args...)
}

func printMuted(w io.Writer, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if isTTY() {
		fmt.Fprintln(w, mutedStyle.Render(msg))
	} else {
		fmt.Fprintln(w, msg)
	}
}

// printField prints "label value" with the label padded to width.
func printField(w io.Writer, label string, width int, value string) {
	padded := fmt.Sprintf("%-*s", width, label+":")
	if isTTY() {
		padded = labelStyle.Render(padded)
	}
	fmt.Fprintf(w, "%s %s\n", padded, value)
}

// statusColor maps a sync status to the indicator color.
func statusColor(s fieldsync.SyncStatus) lipgloss.Color {
	switch s {
	case fieldsync.StatusSynced:
		return colorSuccess
	case fieldsync.StatusSyncing:
		return colorInfo
	case fieldsync.StatusPaused:
		return colorWarning
	case fieldsync.StatusError:
		return colorError
	}
	return colorMuted
}

// renderStatus renders a status indicator: a colored dot and the label.
func renderStatus(s fieldsync.SyncStatus) string {
	label := s.Description()
	if !isTTY() {
		return fmt.Sprintf("[%s] %s", s, label)
	}
	dot := lipgloss.NewStyle().Foreground(statusColor(s)).Render(iconInfo)
	return dot + " " + label
}

// renderTable renders rows under headers, with borders on a terminal and
// as tab-separated text otherwise.
func renderTable(headers []string, rows [][]string) string {
	if !isTTY() {
		var b strings.Builder
		b.WriteString(strings.Join(headers, "\t"))
		for _, row := range rows {
			b.WriteString("\n")
			b.WriteString(strings.Join(row, "\t"))
		}
		return b.String()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorPrimaryDark)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

// renderMarkdown renders field notes with glamour when they contain
// markdown and stdout is a terminal.
func renderMarkdown(content string) string {
	if !isTTY() || !hasMarkdown(content) {
		return content
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return content
	}

	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return strings.TrimSpace(rendered)
}

// hasMarkdown checks for markdown syntax, most specific markers first.
func hasMarkdown(content string) bool {
	markers := []string{
		"```",
		"## ",
		"# ",
		"**",
		"1. ",
		"- ",
		"* ",
		"](http",
		"`",
	}
	for _, marker := range markers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
