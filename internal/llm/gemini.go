package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pkt.systems/pslog"
)

const (
	geminiBaseURL      = "https://generativelanguage.googleapis.com"
	geminiDefaultModel = "gemini-2.0-flash"
	geminiFragmentGap  = 10 * time.Millisecond
)

// GeminiProvider calls the non-streaming generateContent endpoint and
// re-chunks the full reply into word fragments.
type GeminiProvider struct {
	baseURL string
	client  *http.Client
	gap     time.Duration
}

// NewGeminiProvider creates a Gemini backend. An empty baseURL selects the
// public endpoint; a nil client selects http.DefaultClient.
func NewGeminiProvider(baseURL string, client *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		gap:     geminiFragmentGap,
	}
}

// WithFragmentGap overrides the pause between emitted fragments.
func (p *GeminiProvider) WithFragmentGap(d time.Duration) *GeminiProvider {
	p.gap = d
	return p
}

func (p *GeminiProvider) ID() ProviderID { return ProviderGemini }

func (p *GeminiProvider) Name() string { return "Google Gemini" }

func (p *GeminiProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: false, BrowserSafe: true, NeedsCredential: true}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (r geminiResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

func geminiContents(msgs []Message) []geminiContent {
	contents := make([]geminiContent, 0, len(msgs))
	for _, m := range msgs {
		role := string(m.Role)
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	return contents
}

func (p *GeminiProvider) endpoint(model, key string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(key))
}

func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, authError(ProviderGemini, 0, "Missing Gemini API key")
	}
	model := chooseModel(req.Model, geminiDefaultModel)
	body, err := json.Marshal(geminiRequest{Contents: geminiContents(req.Messages)})
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	return newFragmentStream(ctx, func(ctx context.Context, emit emitFunc) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(model, req.APIKey), bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build gemini request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return aborted(ctx.Err())
			}
			return transportError(ProviderGemini, "Network error contacting Gemini", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			pslog.Ctx(ctx).Debug("gemini request failed", "status", resp.StatusCode, "body", truncate(string(raw), 200))
			return protocolError(ProviderGemini, resp.StatusCode, string(raw),
				fmt.Sprintf("Gemini error %d: %s", resp.StatusCode, raw))
		}

		var decoded geminiResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			if ctx.Err() != nil {
				return aborted(ctx.Err())
			}
			return protocolError(ProviderGemini, resp.StatusCode, "", "Gemini returned an unreadable response")
		}

		for _, piece := range splitWords(decoded.text()) {
			if err := emit(piece); err != nil {
				return err
			}
			if err := sleepCtx(ctx, p.gap); err != nil {
				return aborted(err)
			}
		}
		return nil
	}), nil
}
