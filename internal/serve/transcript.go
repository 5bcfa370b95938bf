package serve

import (
	"bytes"
	"fmt"
	"html"

	"github.com/ioai/ioai/internal/session"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var transcriptMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

const transcriptHead = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.25rem 0.5rem; }
pre { background: #f4f4f5; padding: 0.75rem; overflow-x: auto; }
</style>
</head>
<body>
`

// RenderTranscript renders a tab as a standalone HTML page. Raw HTML in
// messages is escaped.
func RenderTranscript(tab session.Tab) ([]byte, error) {
	md := session.ExportToMarkdown(tab, session.ExportOptions{})
	var buf bytes.Buffer
	title := tab.Title
	if title == "" {
		title = session.ShortID(tab.ID)
	}
	fmt.Fprintf(&buf, transcriptHead, html.EscapeString(title))
	if err := transcriptMarkdown.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}
	buf.WriteString("</body>\n</html>\n")
	return buf.Bytes(), nil
}
