package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/pslog"
)

const (
	openRouterBaseURL      = "https://openrouter.ai/api"
	openRouterDefaultModel = "openrouter/auto"
	openRouterTemperature  = 0.7
)

// OpenRouterProvider streams chat completions over server-sent events.
type OpenRouterProvider struct {
	baseURL  string
	client   *http.Client
	headers  map[string]string
	readSize int
}

// NewOpenRouterProvider creates an OpenRouter backend. appURL and appTitle are
// sent as attribution headers when set.
func NewOpenRouterProvider(baseURL string, client *http.Client, appURL, appTitle string) *OpenRouterProvider {
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	headers := map[string]string{}
	if appURL != "" {
		headers["HTTP-Referer"] = appURL
	}
	if appTitle != "" {
		headers["X-Title"] = appTitle
	}
	return &OpenRouterProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		headers:  headers,
		readSize: 4096,
	}
}

func (p *OpenRouterProvider) ID() ProviderID { return ProviderOpenRouter }

func (p *OpenRouterProvider) Name() string { return "OpenRouter" }

func (p *OpenRouterProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, BrowserSafe: true, NeedsCredential: true}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

func (p *OpenRouterProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.APIKey) == "" {
		return nil, authError(ProviderOpenRouter, 0, "Missing OpenRouter API key")
	}
	temperature := openRouterTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	messages := req.Messages
	if messages == nil {
		messages = []Message{}
	}
	body, err := json.Marshal(chatCompletionRequest{
		Model:       chooseModel(req.Model, openRouterDefaultModel),
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal openrouter request: %w", err)
	}

	return newFragmentStream(ctx, func(ctx context.Context, emit emitFunc) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build openrouter request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
		for k, v := range p.headers {
			httpReq.Header.Set(k, v)
		}

		resp, err := p.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return aborted(ctx.Err())
			}
			return transportError(ProviderOpenRouter, "Network/CORS error contacting OpenRouter", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return authError(ProviderOpenRouter, resp.StatusCode, "")
		case resp.StatusCode == http.StatusTooManyRequests:
			return rateLimitError(ProviderOpenRouter, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.Body == nil || resp.Body == http.NoBody:
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return protocolError(ProviderOpenRouter, resp.StatusCode, string(raw), fmt.Sprintf("HTTP %d", resp.StatusCode))
		}

		log := pslog.Ctx(ctx)
		dec := newSSEDecoder(!req.OmitReasoning)
		dec.onSkip = func(payload string, err error) {
			log.Debug("skipping malformed openrouter event", "payload", truncate(payload, 120), "err", err)
		}

		buf := make([]byte, p.readSize)
		for {
			if err := ctx.Err(); err != nil {
				return aborted(err)
			}
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				frags, done := dec.Feed(buf[:n])
				for _, frag := range frags {
					if err := emit(frag); err != nil {
						return err
					}
				}
				if done {
					return nil
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				if ctx.Err() != nil {
					return aborted(ctx.Err())
				}
				return transportError(ProviderOpenRouter, "OpenRouter stream interrupted", readErr)
			}
		}
		for _, frag := range dec.Flush() {
			if err := emit(frag); err != nil {
				return err
			}
		}
		return nil
	}), nil
}
