package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

// ValidationResult is the outcome of a credential check that reached the
// backend. Auth and rate-limit failures are returned as errors instead.
type ValidationResult struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// CredentialValidator is implemented by backends that can check a key.
type CredentialValidator interface {
	ValidateCredential(ctx context.Context, key string) (ValidationResult, error)
}

var validKey = ValidationResult{OK: true, Message: "Key is valid"}

// ValidateCredential lists models through the OpenAI-compatible endpoint.
func (p *OpenRouterProvider) ValidateCredential(ctx context.Context, key string) (ValidationResult, error) {
	client := openai.NewClient(
		option.WithAPIKey(key),
		option.WithBaseURL(p.baseURL+"/v1/"),
		option.WithHTTPClient(p.client),
		option.WithMaxRetries(0),
	)
	_, err := client.Models.List(ctx)
	if err == nil {
		return validKey, nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyValidation(ProviderOpenRouter, apiErr.StatusCode)
	}
	return validationFailure(ctx, ProviderOpenRouter, "Network error contacting OpenRouter", err)
}

// ValidateCredential lists models through the Gemini API client.
func (p *GeminiProvider) ValidateCredential(ctx context.Context, key string) (ValidationResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  p.client,
		HTTPOptions: genai.HTTPOptions{BaseURL: p.baseURL + "/"},
	})
	if err != nil {
		return ValidationResult{}, fmt.Errorf("create gemini client: %w", err)
	}
	_, err = client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err == nil {
		return validKey, nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyValidation(ProviderGemini, apiErr.Code)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return classifyValidation(ProviderGemini, apiErrPtr.Code)
	}
	return validationFailure(ctx, ProviderGemini, "Network error contacting Gemini", err)
}

func classifyValidation(p ProviderID, status int) (ValidationResult, error) {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ValidationResult{}, authError(p, status, "Unauthorized: invalid or missing key")
	case http.StatusTooManyRequests:
		return ValidationResult{}, rateLimitError(p, status)
	}
	if status >= 200 && status < 300 {
		return validKey, nil
	}
	return ValidationResult{OK: false, Message: fmt.Sprintf("HTTP %d", status)}, nil
}

// validationFailure separates network failures from responses that arrived
// but could not be decoded; the latter still prove the key was accepted.
func validationFailure(ctx context.Context, p ProviderID, msg string, err error) (ValidationResult, error) {
	if ctx.Err() != nil {
		return ValidationResult{}, aborted(ctx.Err())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ValidationResult{}, transportError(p, msg, err)
	}
	return validKey, nil
}
