package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// ProviderInfo is the listing entry for one backend.
type ProviderInfo struct {
	ID           ProviderID   `json:"id"`
	Name         string       `json:"name"`
	DefaultModel string       `json:"default_model"`
	Capabilities Capabilities `json:"capabilities"`
}

// DefaultModel returns the baseline model for a backend.
func DefaultModel(id ProviderID) string {
	switch id {
	case ProviderEcho:
		return echoDefaultModel
	case ProviderGemini:
		return geminiDefaultModel
	case ProviderOpenRouter:
		return openRouterDefaultModel
	}
	return ""
}

// RegistryOptions configures the built-in backends.
type RegistryOptions struct {
	HTTPClient        *http.Client
	GeminiBaseURL     string
	OpenRouterBaseURL string
	OpenRouterAppURL  string
	OpenRouterTitle   string
}

// Registry maps provider IDs to their backend. It is immutable after
// construction.
type Registry struct {
	order []Provider
	byID  map[ProviderID]Provider
}

// NewRegistry builds the fixed set of backends: echo, gemini, openrouter.
func NewRegistry(opts RegistryOptions) *Registry {
	return NewRegistryWith(
		NewEchoProvider(),
		NewGeminiProvider(opts.GeminiBaseURL, opts.HTTPClient),
		NewOpenRouterProvider(opts.OpenRouterBaseURL, opts.HTTPClient, opts.OpenRouterAppURL, opts.OpenRouterTitle),
	)
}

// NewRegistryWith builds a registry from explicit providers. Later entries
// replace earlier ones with the same ID.
func NewRegistryWith(providers ...Provider) *Registry {
	r := &Registry{byID: make(map[ProviderID]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.byID[p.ID()]; !exists {
			r.order = append(r.order, p)
		} else {
			for i, existing := range r.order {
				if existing.ID() == p.ID() {
					r.order[i] = p
				}
			}
		}
		r.byID[p.ID()] = p
	}
	return r
}

// Get returns the backend for id.
func (r *Registry) Get(id ProviderID) (Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// List describes every registered backend in registration order.
func (r *Registry) List() []ProviderInfo {
	out := make([]ProviderInfo, 0, len(r.order))
	for _, p := range r.order {
		out = append(out, ProviderInfo{
			ID:           p.ID(),
			Name:         p.Name(),
			DefaultModel: DefaultModel(p.ID()),
			Capabilities: p.Capabilities(),
		})
	}
	return out
}

// Validate checks key against the backend's account endpoint. Backends that
// need no credential always succeed.
func (r *Registry) Validate(ctx context.Context, id ProviderID, key string) (ValidationResult, error) {
	p, ok := r.Get(id)
	if !ok {
		return ValidationResult{}, fmt.Errorf("unknown provider: %s", id)
	}
	v, ok := p.(CredentialValidator)
	if !ok || !p.Capabilities().NeedsCredential {
		return ValidationResult{OK: true, Message: "No key required"}, nil
	}
	if strings.TrimSpace(key) == "" {
		return ValidationResult{OK: false, Message: "Missing API key"}, nil
	}
	return v.ValidateCredential(ctx, key)
}

// ParseProviderModel parses "provider" or "provider:model". The model part is
// empty when not given.
func ParseProviderModel(s string) (ProviderID, string, error) {
	name, model, _ := strings.Cut(strings.TrimSpace(s), ":")
	id, err := ParseProviderID(name)
	if err != nil {
		return "", "", err
	}
	return id, model, nil
}
