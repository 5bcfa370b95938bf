package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *OpenRouterProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return NewOpenRouterProvider(srv.URL, srv.Client(), "", "ioai")
}

func TestOpenRouterStreamsContent(t *testing.T) {
	var gotBody chatCompletionRequest
	var gotHeaders http.Header
	p := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, word := range []string{"Hel", "lo", " there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", word)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := p.Stream(context.Background(), Request{
		Model:    "deepseek/deepseek-r1",
		Messages: []Message{UserText("hi")},
		APIKey:   "sk-or-test",
	})
	require.NoError(t, err)
	got, err := Collect(stream)
	require.NoError(t, err)
	require.Equal(t, "Hello there", got)

	require.Equal(t, "Bearer sk-or-test", gotHeaders.Get("Authorization"))
	require.Equal(t, "text/event-stream", gotHeaders.Get("Accept"))
	require.Equal(t, "ioai", gotHeaders.Get("X-Title"))
	require.Equal(t, "deepseek/deepseek-r1", gotBody.Model)
	require.True(t, gotBody.Stream)
	require.Equal(t, 0.7, gotBody.Temperature)
	require.Zero(t, gotBody.MaxTokens)
	require.Equal(t, []Message{UserText("hi")}, gotBody.Messages)
}

func TestOpenRouterRequestOverrides(t *testing.T) {
	var raw map[string]any
	p := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	stream, err := p.Stream(context.Background(), Request{
		APIKey:      "k",
		Temperature: Float64(0.2),
		MaxTokens:   512,
	})
	require.NoError(t, err)
	_, err = Collect(stream)
	require.NoError(t, err)
	require.Equal(t, "openrouter/auto", raw["model"])
	require.Equal(t, 0.2, raw["temperature"])
	require.Equal(t, float64(512), raw["max_tokens"])
	require.Equal(t, []any{}, raw["messages"])
}

func TestOpenRouterReasoningToggle(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, reasoningOnlyStream)
	}
	p := sseServer(t, handler)

	stream, err := p.Stream(context.Background(), Request{APIKey: "k"})
	require.NoError(t, err)
	got, err := Collect(stream)
	require.NoError(t, err)
	require.Contains(t, got, "Okay, the user sent")

	stream, err = p.Stream(context.Background(), Request{APIKey: "k", OmitReasoning: true})
	require.NoError(t, err)
	got, err = Collect(stream)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOpenRouterTrailingEventWithoutTerminator(t *testing.T) {
	p := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}")
	})
	stream, err := p.Stream(context.Background(), Request{APIKey: "k"})
	require.NoError(t, err)
	got, err := Collect(stream)
	require.NoError(t, err)
	require.Equal(t, "ab", got)
}

func TestOpenRouterErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		want    error
		message string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrAuth, message: "Provider authentication failed"},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited, message: "Rate limited"},
		{name: "server error", status: http.StatusBadGateway, want: ErrProtocol, message: "HTTP 502"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tc.status)
			})
			stream, err := p.Stream(context.Background(), Request{APIKey: "k"})
			require.NoError(t, err)
			_, err = Collect(stream)
			require.ErrorIs(t, err, tc.want)
			require.EqualError(t, err, tc.message)
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			require.Equal(t, ProviderOpenRouter, pe.Provider)
			require.Equal(t, tc.status, pe.Status)
		})
	}
}

func TestOpenRouterMissingKey(t *testing.T) {
	p := NewOpenRouterProvider("http://127.0.0.1:1", nil, "", "")
	_, err := p.Stream(context.Background(), Request{APIKey: "  "})
	require.ErrorIs(t, err, ErrAuth)
	require.EqualError(t, err, "Missing OpenRouter API key")
}

func TestOpenRouterTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	p := NewOpenRouterProvider(url, nil, "", "")
	stream, err := p.Stream(context.Background(), Request{APIKey: "k"})
	require.NoError(t, err)
	_, err = Collect(stream)
	require.ErrorIs(t, err, ErrTransport)
	require.EqualError(t, err, "Network/CORS error contacting OpenRouter")
}

func TestOpenRouterAbortMidStream(t *testing.T) {
	release := make(chan struct{})
	p := sseServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.Stream(ctx, Request{APIKey: "k"})
	require.NoError(t, err)
	defer stream.Close()

	frag, err := stream.Recv()
	require.NoError(t, err)
	require.Equal(t, "first", frag)

	cancel()
	done := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrAborted)
		require.NotErrorIs(t, err, io.EOF)
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}
}
