package llm

import (
	"bytes"
	"encoding/json"
	"strings"
)

// sseDecoder turns a chat-completions event stream into text fragments. Input
// may arrive in arbitrary slices; events are only processed once their
// terminating blank line has been seen, or at Flush.
type sseDecoder struct {
	pending   []byte
	reasoning bool
	done      bool
	onSkip    func(payload string, err error)
}

func newSSEDecoder(includeReasoning bool) *sseDecoder {
	return &sseDecoder{reasoning: includeReasoning}
}

var (
	crlf        = []byte("\r\n")
	lf          = []byte("\n")
	eventBreak  = []byte("\n\n")
	doneMarker  = "[DONE]"
	dataPrefix  = "data:"
	commentMark = ":"
)

// Feed appends chunk and returns the fragments of every completed event. The
// boolean reports that the terminal marker was reached; later input is ignored.
func (d *sseDecoder) Feed(chunk []byte) ([]string, bool) {
	if d.done {
		return nil, true
	}
	d.pending = bytes.ReplaceAll(append(d.pending, chunk...), crlf, lf)

	var out []string
	for {
		idx := bytes.Index(d.pending, eventBreak)
		if idx < 0 {
			return out, false
		}
		block := string(d.pending[:idx])
		d.pending = d.pending[idx+len(eventBreak):]
		if d.processBlock(block, &out) {
			d.done = true
			d.pending = nil
			return out, true
		}
	}
}

// Flush processes whatever is left in the buffer as a final event.
func (d *sseDecoder) Flush() []string {
	if d.done || len(d.pending) == 0 {
		d.done = true
		return nil
	}
	var out []string
	d.processBlock(string(d.pending), &out)
	d.pending = nil
	d.done = true
	return out
}

func (d *sseDecoder) processBlock(block string, out *[]string) bool {
	for _, raw := range strings.Split(block, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, commentMark) || !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(line[len(dataPrefix):])
		if payload == "" {
			continue
		}
		if payload == doneMarker {
			return true
		}
		var chunk chatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			if d.onSkip != nil {
				d.onSkip(payload, err)
			}
			continue
		}
		if text := chunk.text(d.reasoning); text != "" {
			*out = append(*out, text)
		}
	}
	return false
}

type chunkDelta struct {
	Content   any `json:"content"`
	Reasoning any `json:"reasoning"`
}

type chatCompletionChunk struct {
	Choices []struct {
		Delta   *chunkDelta `json:"delta"`
		Message *struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// text extracts the visible fragment of a chunk. Non-string fields are
// ignored. A complete message is only used when the delta carried nothing.
func (c chatCompletionChunk) text(reasoning bool) string {
	if len(c.Choices) == 0 {
		return ""
	}
	choice := c.Choices[0]
	var b strings.Builder
	if choice.Delta != nil {
		if s, ok := choice.Delta.Content.(string); ok {
			b.WriteString(s)
		}
		if reasoning {
			if s, ok := choice.Delta.Reasoning.(string); ok {
				b.WriteString(s)
			}
		}
	}
	if b.Len() == 0 && choice.Message != nil {
		if s, ok := choice.Message.Content.(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}
