package session

import (
	"fmt"
	"strings"

	"github.com/ioai/ioai/internal/llm"
)

// ExportOptions configures tab export.
type ExportOptions struct {
	IncludeSystem bool // Include system messages in export
}

// escapeTableCell escapes special characters for markdown table cells.
func escapeTableCell(s string) string {
	// Replace pipe characters and newlines which break tables
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// ExportToMarkdown renders a tab and its transcript as markdown.
func ExportToMarkdown(tab Tab, opts ExportOptions) string {
	var b strings.Builder

	title := tab.Title
	if title == "" {
		title = ShortID(tab.ID)
	}
	b.WriteString(fmt.Sprintf("# Chat: %s\n\n", escapeTableCell(title)))

	b.WriteString("| | |\n")
	b.WriteString("|---|---|\n")
	b.WriteString(fmt.Sprintf("| **Provider** | %s |\n", escapeTableCell(string(tab.Provider))))
	b.WriteString(fmt.Sprintf("| **Model** | %s |\n", escapeTableCell(tab.Model)))
	b.WriteString(fmt.Sprintf("| **Created** | %s |\n", tab.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")))
	b.WriteString(fmt.Sprintf("| **Messages** | %s |\n", formatCount(len(tab.Messages))))
	b.WriteString("\n---\n\n")

	for _, msg := range tab.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			if !opts.IncludeSystem {
				continue
			}
			b.WriteString("### System\n\n")
		case llm.RoleUser:
			b.WriteString("### User\n\n")
		case llm.RoleAssistant:
			b.WriteString("### Assistant\n\n")
		default:
			continue
		}
		content := msg.Content
		if strings.TrimSpace(content) == "" {
			content = "_(empty)_"
		}
		b.WriteString(content)
		b.WriteString("\n\n---\n\n")
	}

	return b.String()
}

// formatCount formats a number in compact form (e.g., 1K, 1.2K, 3.4M).
func formatCount(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		val := float64(n) / 1000
		if val == float64(int(val)) {
			return fmt.Sprintf("%dK", int(val))
		}
		return fmt.Sprintf("%.1fK", val)
	}
	val := float64(n) / 1000000
	if val == float64(int(val)) {
		return fmt.Sprintf("%dM", int(val))
	}
	return fmt.Sprintf("%.1fM", val)
}
