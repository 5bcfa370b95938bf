package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	echoDefaultModel = "echo-1"
	echoTrailer      = "\n\n— end —"
)

// EchoProvider is the offline demo backend. It replays the latest user
// message word by word with a small random pause between fragments.
type EchoProvider struct {
	minDelay time.Duration
	maxDelay time.Duration
}

// NewEchoProvider returns an echo backend pausing 30-120ms per fragment.
func NewEchoProvider() *EchoProvider {
	return &EchoProvider{minDelay: 30 * time.Millisecond, maxDelay: 120 * time.Millisecond}
}

// WithDelay overrides the per-fragment pause range. Zero disables pausing.
func (p *EchoProvider) WithDelay(minDelay, maxDelay time.Duration) *EchoProvider {
	p.minDelay = minDelay
	p.maxDelay = maxDelay
	return p
}

func (p *EchoProvider) ID() ProviderID { return ProviderEcho }

func (p *EchoProvider) Name() string { return "Echo (demo)" }

func (p *EchoProvider) Capabilities() Capabilities {
	return Capabilities{Streaming: true, BrowserSafe: true}
}

func (p *EchoProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	text := "Echoing (" + chooseModel(req.Model, echoDefaultModel) + "): " + lastUserText(req.Messages)
	return newFragmentStream(ctx, func(ctx context.Context, emit emitFunc) error {
		for _, piece := range splitWords(text) {
			if err := sleepCtx(ctx, p.delay()); err != nil {
				return aborted(err)
			}
			if err := emit(piece); err != nil {
				return err
			}
		}
		return emit(echoTrailer)
	}), nil
}

func (p *EchoProvider) delay() time.Duration {
	if p.maxDelay <= p.minDelay {
		return p.minDelay
	}
	return p.minDelay + rand.N(p.maxDelay-p.minDelay)
}

func lastUserText(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}
