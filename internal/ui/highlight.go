package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/mattn/go-runewidth"
)

// lexerCache caches lexers by fence language; lexers.Get scans every lexer.
var (
	lexerCache   = make(map[string]chroma.Lexer)
	lexerCacheMu sync.RWMutex
)

func lexerFor(lang string) chroma.Lexer {
	lang = strings.ToLower(strings.TrimSpace(lang))
	lexerCacheMu.RLock()
	l, ok := lexerCache[lang]
	lexerCacheMu.RUnlock()
	if ok {
		return l
	}

	if lang != "" {
		l = lexers.Get(lang)
	}
	if l != nil {
		l = chroma.Coalesce(l)
	}
	lexerCacheMu.Lock()
	lexerCache[lang] = l
	lexerCacheMu.Unlock()
	return l
}

// HighlightCode colours code in lang for a true-colour terminal. Unknown
// languages come back unchanged.
func HighlightCode(lang, code string) string {
	lexer := lexerFor(lang)
	if lexer == nil {
		return code
	}
	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	// monokai has good contrast on dark backgrounds
	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}
	var buf strings.Builder
	if err := (&noBgFormatter{style: style}).Format(&buf, iterator); err != nil {
		return code
	}
	return buf.String()
}

// HighlightFences colours the fenced code blocks of a markdown message and
// leaves prose alone. An unterminated fence is highlighted to the end.
func HighlightFences(text string) string {
	lines := strings.SplitAfter(text, "\n")
	var out strings.Builder
	var code strings.Builder
	lang := ""
	inFence := false

	flush := func() {
		out.WriteString(HighlightCode(lang, code.String()))
		code.Reset()
	}
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				flush()
				inFence = false
			} else {
				inFence = true
				lang = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
			}
			out.WriteString(line)
			continue
		}
		if inFence {
			code.WriteString(line)
			continue
		}
		out.WriteString(line)
	}
	if inFence {
		flush()
	}
	return out.String()
}

// noBgFormatter is a Chroma formatter that applies only foreground colors
type noBgFormatter struct {
	style *chroma.Style
}

func (f *noBgFormatter) Format(w io.Writer, iterator chroma.Iterator) error {
	for token := iterator(); token != chroma.EOF; token = iterator() {
		if token.Value == "" {
			continue
		}

		entry := f.style.Get(token.Type)

		var codes []string
		if entry.Colour.IsSet() {
			codes = append(codes, fmt.Sprintf("38;2;%d;%d;%d", entry.Colour.Red(), entry.Colour.Green(), entry.Colour.Blue()))
		}
		if entry.Bold == chroma.Yes {
			codes = append(codes, "1")
		}
		if entry.Italic == chroma.Yes {
			codes = append(codes, "3")
		}
		if entry.Underline == chroma.Yes {
			codes = append(codes, "4")
		}

		if len(codes) == 0 {
			fmt.Fprint(w, token.Value)
			continue
		}
		// Keep newlines outside the escape so line-based pagers stay sane.
		body := strings.TrimRight(token.Value, "\n")
		fmt.Fprintf(w, "\x1b[%sm%s\x1b[0m%s", strings.Join(codes, ";"), body, token.Value[len(body):])
	}
	return nil
}

// Truncate shortens s to at most width terminal cells, marking the cut with
// "...".
func Truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "...")
}

// Pad right-pads s with spaces to width terminal cells.
func Pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}
