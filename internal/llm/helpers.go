package llm

import (
	"context"
	"regexp"
	"strings"
	"time"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// splitWords cuts s into alternating word and whitespace runs so that joining
// the pieces reproduces s exactly.
func splitWords(s string) []string {
	var pieces []string
	last := 0
	for _, loc := range whitespaceRun.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			pieces = append(pieces, s[last:loc[0]])
		}
		pieces = append(pieces, s[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(s) {
		pieces = append(pieces, s[last:])
	}
	return pieces
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func chooseModel(requested, fallback string) string {
	if strings.TrimSpace(requested) != "" {
		return requested
	}
	return fallback
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
