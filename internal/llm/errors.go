package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures.
type ErrorKind string

const (
	KindAuth      ErrorKind = "auth"
	KindRateLimit ErrorKind = "rate_limit"
	KindTransport ErrorKind = "transport"
	KindProtocol  ErrorKind = "protocol"
	KindAborted   ErrorKind = "aborted"
)

var (
	ErrAuth        = errors.New("provider authentication failed")
	ErrRateLimited = errors.New("rate limited")
	ErrTransport   = errors.New("transport error")
	ErrProtocol    = errors.New("protocol error")
	ErrAborted     = errors.New("request aborted")
)

// ProviderError is the error type produced by every backend. Message is the
// user-facing text; Err holds the underlying cause when there is one.
type ProviderError struct {
	Kind     ErrorKind
	Provider ProviderID
	Status   int
	Body     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets callers match on the kind sentinels with errors.Is.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimit
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

// KindOf reports the kind of err, or "" when it is not a provider failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAborted) {
		return KindAborted
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func aborted(cause error) error {
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

func authError(p ProviderID, status int, msg string) error {
	if msg == "" {
		msg = "Provider authentication failed"
	}
	return &ProviderError{Kind: KindAuth, Provider: p, Status: status, Message: msg}
}

func rateLimitError(p ProviderID, status int) error {
	return &ProviderError{Kind: KindRateLimit, Provider: p, Status: status, Message: "Rate limited"}
}

func transportError(p ProviderID, msg string, cause error) error {
	return &ProviderError{Kind: KindTransport, Provider: p, Message: msg, Err: cause}
}

func protocolError(p ProviderID, status int, body, msg string) error {
	return &ProviderError{Kind: KindProtocol, Provider: p, Status: status, Body: body, Message: msg}
}
