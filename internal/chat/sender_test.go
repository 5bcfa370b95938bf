package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/session"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"
)

type staticCreds map[string]string

func (c staticCreds) Get(provider string) (string, error) { return c[provider], nil }

type lockedCreds struct{ err error }

func (c lockedCreds) Get(string) (string, error) { return "", c.err }

type reasoningPref bool

func (p reasoningPref) ShowReasoning() bool { return bool(p) }

type recorder struct {
	mu     sync.Mutex
	events []Event
	frags  chan string
}

func newRecorder() *recorder {
	return &recorder{frags: make(chan string, 64)}
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Type == EventFragment {
		r.frags <- ev.Text
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTestSender(t *testing.T, opts Options, providers ...llm.Provider) (*Sender, *session.Store, *recorder) {
	t.Helper()
	rec := newRecorder()
	opts.Observer = rec.observe
	store := session.NewStore(nil)
	s := NewSender(store, llm.NewRegistryWith(providers...), staticCreds{"openrouter": "sk-or"}, reasoningPref(true), opts)
	return s, store, rec
}

func TestSendCompleted(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho)
	mock.AddTurn(llm.MockTurn{Fragments: []string{"Hi", " ", "there"}})
	s, store, rec := newTestSender(t, DefaultOptions(), mock)

	tabID := store.CreateTab(session.TabInit{})
	require.NoError(t, store.PushMessage(tabID, session.NewMessage(llm.RoleUser, "earlier")))
	require.NoError(t, store.PushMessage(tabID, session.NewMessage(llm.RoleAssistant, "reply")))

	res, err := s.Send(context.Background(), tabID, "  hello  ")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.NoError(t, res.Err)
	require.Equal(t, tabID, res.TabID)

	tab, err := store.Tab(tabID)
	require.NoError(t, err)
	require.Len(t, tab.Messages, 4)
	require.Equal(t, llm.RoleUser, tab.Messages[2].Role)
	require.Equal(t, "hello", tab.Messages[2].Content)
	require.Equal(t, res.MessageID, tab.Messages[3].ID)
	require.Equal(t, "Hi there", tab.Messages[3].Content)

	req := mock.LastRequest()
	require.Equal(t, "echo-1", req.Model)
	require.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleAssistant, Content: "reply"},
		{Role: llm.RoleUser, Content: "hello"},
	}, req.Messages)
	require.NotNil(t, req.Temperature)
	require.Equal(t, 0.2, *req.Temperature)
	require.Equal(t, 512, req.MaxTokens)
	require.False(t, req.OmitReasoning)
	require.Empty(t, req.APIKey)

	require.Equal(t, []EventType{EventStarted, EventFragment, EventFragment, EventFragment, EventDone}, rec.types())
	require.False(t, s.Busy())
}

func TestSendCreatesTabWhenNoneActive(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho).AddTextResponse("ok")
	s, store, _ := newTestSender(t, DefaultOptions(), mock)

	res, err := s.Send(context.Background(), "", "hi")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Len(t, store.Tabs(), 1)
	require.Equal(t, store.ActiveID(), res.TabID)
}

func TestSendRejectsBlankInput(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho)
	s, store, _ := newTestSender(t, DefaultOptions(), mock)
	tabID := store.CreateTab(session.TabInit{})
	version := store.Version()

	_, err := s.Start(context.Background(), tabID, " \n\t ")
	require.ErrorIs(t, err, ErrEmptyInput)
	require.Equal(t, version, store.Version())
	require.Zero(t, mock.RequestCount())
}

func TestSendUnknownTab(t *testing.T) {
	s, _, _ := newTestSender(t, DefaultOptions(), llm.NewMockProvider(llm.ProviderEcho))
	_, err := s.Start(context.Background(), "missing", "hi")
	require.ErrorIs(t, err, session.ErrTabNotFound)
}

func TestSendCredentialNeeded(t *testing.T) {
	errLocked := errors.New("locked")
	tests := []struct {
		name  string
		creds Credentials
		inner error
	}{
		{"no store", nil, nil},
		{"missing key", staticCreds{}, nil},
		{"blank key", staticCreds{"openrouter": "  "}, nil},
		{"locked", lockedCreds{err: errLocked}, errLocked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := llm.NewMockProvider(llm.ProviderOpenRouter).
				WithCapabilities(llm.Capabilities{Streaming: true, NeedsCredential: true})
			store := session.NewStore(nil)
			s := NewSender(store, llm.NewRegistryWith(mock), tc.creds, nil, DefaultOptions())
			tabID := store.CreateTab(session.TabInit{Provider: llm.ProviderOpenRouter})

			_, err := s.Start(context.Background(), tabID, "hi")
			var need *CredentialNeededError
			require.ErrorAs(t, err, &need)
			require.Equal(t, llm.ProviderOpenRouter, need.Provider)
			if tc.inner != nil {
				require.ErrorIs(t, err, tc.inner)
			}

			tab, _ := store.Tab(tabID)
			require.Empty(t, tab.Messages)
			require.Zero(t, mock.RequestCount())
		})
	}
}

func TestSendPassesCredentialAndReasoningPreference(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderOpenRouter).
		WithCapabilities(llm.Capabilities{Streaming: true, NeedsCredential: true}).
		AddTextResponse("ok")
	store := session.NewStore(nil)
	s := NewSender(store, llm.NewRegistryWith(mock), staticCreds{"openrouter": "sk-or"}, reasoningPref(false), Options{})
	tabID := store.CreateTab(session.TabInit{Provider: llm.ProviderOpenRouter, Model: "deepseek/deepseek-r1"})

	_, err := s.Send(context.Background(), tabID, "hi")
	require.NoError(t, err)
	req := mock.LastRequest()
	require.Equal(t, "sk-or", req.APIKey)
	require.Equal(t, "deepseek/deepseek-r1", req.Model)
	require.True(t, req.OmitReasoning)
	require.Nil(t, req.Temperature)
	require.Zero(t, req.MaxTokens)
}

func TestSendFailureAppendsAnnotation(t *testing.T) {
	tests := []struct {
		name string
		turn llm.MockTurn
		want string
	}{
		{
			name: "mid-stream",
			turn: llm.MockTurn{Fragments: []string{"partial"}, Error: errors.New("OpenRouter stream interrupted")},
			want: "partial\n\n[Error: OpenRouter stream interrupted]",
		},
		{
			name: "before stream",
			turn: llm.MockTurn{StartErr: errors.New("Rate limited")},
			want: "\n\n[Error: Rate limited]",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mock := llm.NewMockProvider(llm.ProviderEcho).AddTurn(tc.turn)
			s, store, rec := newTestSender(t, DefaultOptions(), mock)
			tabID := store.CreateTab(session.TabInit{})

			res, err := s.Send(context.Background(), tabID, "hi")
			require.NoError(t, err)
			require.Equal(t, OutcomeFailed, res.Outcome)
			require.Error(t, res.Err)

			msg, err := store.Message(tabID, res.MessageID)
			require.NoError(t, err)
			require.Equal(t, tc.want, msg.Content)
			require.Equal(t, EventDone, rec.types()[len(rec.types())-1])
			require.False(t, s.Running(tabID))
		})
	}
}

func TestSendAbortKeepsPartialContent(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho).
		AddTurn(llm.MockTurn{Fragments: []string{"Okay"}, Hold: true})
	s, store, rec := newTestSender(t, DefaultOptions(), mock)
	tabID := store.CreateTab(session.TabInit{})

	run, err := s.Start(context.Background(), tabID, "hi")
	require.NoError(t, err)
	require.True(t, s.Running(tabID))

	select {
	case frag := <-rec.frags:
		require.Equal(t, "Okay", frag)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first fragment")
	}
	require.True(t, s.Stop(tabID))

	res := run.Wait()
	require.Equal(t, OutcomeAborted, res.Outcome)
	require.NoError(t, res.Err)
	require.False(t, s.Running(tabID))
	require.False(t, s.Stop(tabID))

	msg, err := store.Message(tabID, run.MessageID)
	require.NoError(t, err)
	require.Equal(t, "Okay", msg.Content)
	require.NotContains(t, msg.Content, "[Error:")
}

func TestSendCancelledByContext(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho).
		AddTurn(llm.MockTurn{Hold: true})
	s, store, _ := newTestSender(t, DefaultOptions(), mock)
	tabID := store.CreateTab(session.TabInit{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := s.Send(ctx, tabID, "hi")
	require.NoError(t, err)
	require.Equal(t, OutcomeAborted, res.Outcome)
}

func TestSendBusyGuards(t *testing.T) {
	newHeld := func() *llm.MockProvider {
		return llm.NewMockProvider(llm.ProviderEcho).
			AddTurn(llm.MockTurn{Hold: true}).
			AddTurn(llm.MockTurn{Hold: true}).
			AddTextResponse("after")
	}

	t.Run("single flight", func(t *testing.T) {
		s, store, _ := newTestSender(t, DefaultOptions(), newHeld())
		first := store.CreateTab(session.TabInit{})
		second := store.CreateTab(session.TabInit{})

		run, err := s.Start(context.Background(), first, "one")
		require.NoError(t, err)
		_, err = s.Start(context.Background(), first, "again")
		require.ErrorIs(t, err, ErrBusy)
		_, err = s.Start(context.Background(), second, "two")
		require.ErrorIs(t, err, ErrBusy)

		tab, _ := store.Tab(first)
		require.Len(t, tab.Messages, 2)

		run.Cancel()
		run.Wait()
		require.False(t, s.Busy())
	})

	t.Run("per tab", func(t *testing.T) {
		opts := DefaultOptions()
		opts.SingleFlight = false
		s, store, _ := newTestSender(t, opts, newHeld())
		first := store.CreateTab(session.TabInit{})
		second := store.CreateTab(session.TabInit{})

		a, err := s.Start(context.Background(), first, "one")
		require.NoError(t, err)
		_, err = s.Start(context.Background(), first, "again")
		require.ErrorIs(t, err, ErrBusy)
		b, err := s.Start(context.Background(), second, "two")
		require.NoError(t, err)

		require.NoError(t, s.Shutdown(context.Background()))
		require.Equal(t, OutcomeAborted, a.Wait().Outcome)
		require.Equal(t, OutcomeAborted, b.Wait().Outcome)

		res, err := s.Send(context.Background(), first, "three")
		require.NoError(t, err)
		require.Equal(t, OutcomeCompleted, res.Outcome)
	})
}

func TestSendEchoEndToEnd(t *testing.T) {
	echo := llm.NewEchoProvider().WithDelay(0, 0)
	s, store, _ := newTestSender(t, DefaultOptions(), echo)
	tabID := store.CreateTab(session.TabInit{})

	res, err := s.Send(context.Background(), tabID, "hello")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)

	msg, err := store.Message(tabID, res.MessageID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(msg.Content, "Echoing (echo-1): hello"), msg.Content)
	require.True(t, strings.HasSuffix(msg.Content, "\n\n— end —"), msg.Content)
}

func TestCredentialNeededErrorMessage(t *testing.T) {
	err := &CredentialNeededError{Provider: llm.ProviderGemini}
	require.Equal(t, "credential needed for gemini", err.Error())
	wrapped := &CredentialNeededError{Provider: llm.ProviderGemini, Err: errors.New("locked")}
	require.Equal(t, "credential needed for gemini: locked", wrapped.Error())
}

func TestSendZeroTemperatureIsSent(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderEcho).AddTextResponse("ok")
	opts := DefaultOptions()
	opts.Temperature = llm.Float64(0)
	s, store, _ := newTestSender(t, opts, mock)

	_, err := s.Send(context.Background(), store.EnsureTab(), "hi")
	require.NoError(t, err)
	req := mock.LastRequest()
	require.NotNil(t, req.Temperature)
	require.Zero(t, *req.Temperature)
}

func TestSendZeroTemperatureReachesWire(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)

	opts := DefaultOptions()
	opts.Temperature = llm.Float64(0)
	store := session.NewStore(nil)
	registry := llm.NewRegistryWith(llm.NewOpenRouterProvider(srv.URL, srv.Client(), "", "ioai"))
	s := NewSender(store, registry, staticCreds{"openrouter": "sk-or"}, nil, opts)
	tabID := store.CreateTab(session.TabInit{Provider: llm.ProviderOpenRouter})

	res, err := s.Send(context.Background(), tabID, "hi")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Contains(t, body, "temperature")
	require.Equal(t, float64(0), body["temperature"])
}

// mutatingCreds changes the tab while the send is between its first read and
// taking the run lock.
type mutatingCreds struct {
	store *session.Store
	tabID string
}

func (c mutatingCreds) Get(string) (string, error) {
	_ = c.store.PushMessage(c.tabID, session.NewMessage(llm.RoleAssistant, "late reply"))
	return "sk-or", nil
}

func TestSendHistoryIncludesMessagesAddedBeforeLock(t *testing.T) {
	mock := llm.NewMockProvider(llm.ProviderOpenRouter).
		WithCapabilities(llm.Capabilities{Streaming: true, NeedsCredential: true}).
		AddTextResponse("ok")
	store := session.NewStore(nil)
	tabID := store.CreateTab(session.TabInit{Provider: llm.ProviderOpenRouter})
	s := NewSender(store, llm.NewRegistryWith(mock), mutatingCreds{store: store, tabID: tabID}, nil, DefaultOptions())

	_, err := s.Send(context.Background(), tabID, "next")
	require.NoError(t, err)
	require.Equal(t, []llm.Message{
		{Role: llm.RoleAssistant, Content: "late reply"},
		{Role: llm.RoleUser, Content: "next"},
	}, mock.LastRequest().Messages)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Split(bytes.TrimSpace(b.buf.Bytes()), []byte("\n"))
}

// loggingProvider logs through the stream context like the real adapters.
type loggingProvider struct {
	llm.Provider
}

func (p loggingProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	pslog.Ctx(ctx).Info("adapter request")
	return p.Provider.Stream(ctx, req)
}

func TestSendAdapterLogsCarryTab(t *testing.T) {
	capture := &syncBuffer{}
	logger := pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	ctx := pslog.ContextWithLogger(context.Background(), logger)

	mock := llm.NewMockProvider(llm.ProviderEcho).AddTextResponse("ok")
	s, store, _ := newTestSender(t, DefaultOptions(), loggingProvider{mock})
	tabID := store.EnsureTab()

	_, err := s.Send(ctx, tabID, "hi")
	require.NoError(t, err)

	found := false
	for _, line := range capture.lines() {
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if logMessage(entry) == "adapter request" {
			found = true
			require.Equal(t, tabID, entry["tab"])
			require.Equal(t, "echo", entry["provider"])
		}
	}
	require.True(t, found, "adapter log line missing")
}

func logMessage(entry map[string]any) string {
	if value, ok := entry["message"].(string); ok {
		return value
	}
	value, _ := entry["msg"].(string)
	return value
}
