package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockTurn represents a single response from the mock provider.
type MockTurn struct {
	Text      string        // Text to emit, chunked for realistic streaming
	Fragments []string      // Exact fragments to emit instead of chunking Text
	Delay     time.Duration // Pause before each fragment
	Error     error         // Fail with this error after emitting the fragments
	StartErr  error         // Fail Stream itself with this error
	Hold      bool          // Block after the fragments until cancelled
}

// MockProvider is a configurable provider for testing.
// It returns scripted responses and records all requests for verification.
type MockProvider struct {
	id           ProviderID
	capabilities Capabilities
	turns        []MockTurn
	turnIndex    int
	Requests     []Request // Recorded requests for verification
	mu           sync.Mutex
}

// NewMockProvider creates a new mock provider registered under id.
func NewMockProvider(id ProviderID) *MockProvider {
	return &MockProvider{
		id:           id,
		capabilities: Capabilities{Streaming: true, BrowserSafe: true},
	}
}

func (m *MockProvider) ID() ProviderID { return m.id }

func (m *MockProvider) Name() string { return "mock:" + string(m.id) }

// Capabilities returns the provider capabilities.
func (m *MockProvider) Capabilities() Capabilities {
	return m.capabilities
}

// WithCapabilities sets the provider capabilities and returns the provider for chaining.
func (m *MockProvider) WithCapabilities(c Capabilities) *MockProvider {
	m.capabilities = c
	return m
}

// AddTurn adds a response turn and returns the provider for chaining.
func (m *MockProvider) AddTurn(t MockTurn) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, t)
	return m
}

// AddTextResponse is a convenience method to add a simple text response.
func (m *MockProvider) AddTextResponse(text string) *MockProvider {
	return m.AddTurn(MockTurn{Text: text})
}

// AddError adds a turn that fails without emitting anything.
func (m *MockProvider) AddError(err error) *MockProvider {
	return m.AddTurn(MockTurn{Error: err})
}

// RequestCount returns the number of Stream calls so far.
func (m *MockProvider) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request.
func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return Request{}
	}
	return m.Requests[len(m.Requests)-1]
}

// Stream implements the Provider interface.
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, req)

	if m.turnIndex >= len(m.turns) {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no more turns configured (expected turn %d, have %d)", m.turnIndex, len(m.turns))
	}

	turn := m.turns[m.turnIndex]
	m.turnIndex++
	m.mu.Unlock()

	if turn.StartErr != nil {
		return nil, turn.StartErr
	}

	fragments := turn.Fragments
	if fragments == nil {
		fragments = chunkText(turn.Text, 10)
	}

	return newFragmentStream(ctx, func(ctx context.Context, emit emitFunc) error {
		for _, frag := range fragments {
			if err := sleepCtx(ctx, turn.Delay); err != nil {
				return aborted(err)
			}
			if err := emit(frag); err != nil {
				return err
			}
		}
		if turn.Error != nil {
			return turn.Error
		}
		if turn.Hold {
			<-ctx.Done()
			return aborted(ctx.Err())
		}
		return nil
	}), nil
}

// chunkText splits text into chunks of approximately the given size.
// It tries to break at word boundaries when possible.
func chunkText(text string, chunkSize int) []string {
	if len(text) == 0 {
		return nil
	}
	if len(text) <= chunkSize {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= chunkSize {
			chunks = append(chunks, text)
			break
		}

		// Find a good break point (space) near the chunk size
		breakPoint := chunkSize
		for i := chunkSize; i > chunkSize/2; i-- {
			if text[i] == ' ' {
				breakPoint = i + 1 // include the space in current chunk
				break
			}
		}

		chunks = append(chunks, text[:breakPoint])
		text = text[breakPoint:]
	}
	return chunks
}
