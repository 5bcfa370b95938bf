// Package chat drives one send from user input to a finished assistant
// message: it resolves the tab, provider and credential, streams fragments
// into the session store and absorbs failures into the transcript.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/logx"
	"github.com/ioai/ioai/internal/session"
)

var (
	ErrBusy       = errors.New("a send is already in progress")
	ErrEmptyInput = errors.New("message is empty")
)

// CredentialNeededError is returned by Start when the tab's provider needs a
// key that is missing or locked. No messages are added in that case.
type CredentialNeededError struct {
	Provider llm.ProviderID
	Err      error
}

func (e *CredentialNeededError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credential needed for %s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("credential needed for %s", e.Provider)
}

func (e *CredentialNeededError) Unwrap() error {
	return e.Err
}

// Credentials supplies provider keys.
type Credentials interface {
	Get(provider string) (string, error)
}

// Preferences supplies the reasoning toggle.
type Preferences interface {
	ShowReasoning() bool
}

// Outcome is how a send left the Sending state.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// Result describes a finished send.
type Result struct {
	Outcome   Outcome
	TabID     string
	MessageID string
	Err       error
	Duration  time.Duration
}

// EventType names an orchestrator notification.
type EventType string

const (
	EventStarted  EventType = "started"
	EventFragment EventType = "fragment"
	EventDone     EventType = "done"
)

// Event is delivered to the Observer. Fragment events arrive in append order
// for a given message; Offset is the message length in bytes before Text was
// appended.
type Event struct {
	Type          EventType
	TabID         string
	UserMessageID string
	MessageID     string
	Text          string
	Offset        int
	Result        *Result
}

// Options tunes every request built by a Sender.
type Options struct {
	// Temperature is left to the backend default when nil. Zero is a real
	// setting.
	Temperature *float64
	MaxTokens   int
	// SingleFlight allows only one send across all tabs.
	SingleFlight bool
	Observer     func(Event)
}

// DefaultOptions mirrors the stock request settings.
func DefaultOptions() Options {
	return Options{Temperature: llm.Float64(0.2), MaxTokens: 512, SingleFlight: true}
}

// Sender is the send orchestrator.
type Sender struct {
	store    *session.Store
	registry *llm.Registry
	creds    Credentials
	prefs    Preferences
	opts     Options

	mu   sync.Mutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// NewSender wires the orchestrator. creds and prefs may be nil.
func NewSender(store *session.Store, registry *llm.Registry, creds Credentials, prefs Preferences, opts Options) *Sender {
	return &Sender{
		store:    store,
		registry: registry,
		creds:    creds,
		prefs:    prefs,
		opts:     opts,
		runs:     make(map[string]*Run),
	}
}

// Run is one in-flight send.
type Run struct {
	TabID         string
	UserMessageID string
	MessageID     string
	Provider      llm.ProviderID
	Model         string

	cancel  context.CancelFunc
	done    chan struct{}
	result  Result
	written int
}

// Cancel requests an abort. Content already appended is kept.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the run has left the Sending state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// Start validates the send and begins streaming in the background. Errors
// returned here leave the store untouched except for a tab created when none
// was active.
func (s *Sender) Start(ctx context.Context, tabID, text string) (*Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyInput
	}
	id, err := s.store.Resolve(tabID)
	if err != nil {
		return nil, err
	}
	tab, err := s.store.Tab(id)
	if err != nil {
		return nil, err
	}
	provider, ok := s.registry.Get(tab.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", tab.Provider)
	}
	key, err := s.credentialFor(provider)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, busy := s.runs[id]; busy || (s.opts.SingleFlight && len(s.runs) > 0) {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	// History is read under s.mu so a run on this tab that just finished is
	// included.
	current, err := s.store.Tab(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	history := make([]llm.Message, 0, len(current.Messages)+1)
	for _, m := range current.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	history = append(history, llm.UserText(text))

	userMsg := session.NewMessage(llm.RoleUser, text)
	reply := session.NewMessage(llm.RoleAssistant, "")
	if err := s.store.PushMessage(id, userMsg); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.store.PushMessage(id, reply); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		TabID:         id,
		UserMessageID: userMsg.ID,
		MessageID:     reply.ID,
		Provider:      tab.Provider,
		Model:         tab.Model,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	s.runs[id] = run
	s.wg.Add(1)
	s.mu.Unlock()

	req := llm.Request{
		Model:     tab.Model,
		Messages:  history,
		APIKey:    key,
		MaxTokens: s.opts.MaxTokens,
	}
	if s.opts.Temperature != nil {
		req.Temperature = llm.Float64(*s.opts.Temperature)
	}
	if s.prefs != nil {
		req.OmitReasoning = !s.prefs.ShowReasoning()
	}

	s.emit(Event{Type: EventStarted, TabID: id, UserMessageID: userMsg.ID, MessageID: reply.ID})
	go s.drive(runCtx, run, provider, req)
	return run, nil
}

// Send starts a send and waits for it to finish. Cancelling ctx aborts it.
func (s *Sender) Send(ctx context.Context, tabID, text string) (Result, error) {
	run, err := s.Start(ctx, tabID, text)
	if err != nil {
		return Result{}, err
	}
	return run.Wait(), nil
}

// Stop cancels the send for tabID and reports whether one was running.
func (s *Sender) Stop(tabID string) bool {
	s.mu.Lock()
	run := s.runs[tabID]
	s.mu.Unlock()
	if run == nil {
		return false
	}
	run.Cancel()
	return true
}

// Busy reports whether any send is in progress.
func (s *Sender) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs) > 0
}

// Running reports whether tabID has a send in progress.
func (s *Sender) Running(tabID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[tabID]
	return ok
}

// RunningTabs lists tabs with a send in progress, sorted.
func (s *Sender) RunningTabs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.runs))
	for id := range s.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown cancels every run and waits for them to exit or ctx to end.
func (s *Sender) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		run.Cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) credentialFor(p llm.Provider) (string, error) {
	if !p.Capabilities().NeedsCredential {
		return "", nil
	}
	if s.creds == nil {
		return "", &CredentialNeededError{Provider: p.ID()}
	}
	key, err := s.creds.Get(string(p.ID()))
	if err != nil {
		return "", &CredentialNeededError{Provider: p.ID(), Err: err}
	}
	if strings.TrimSpace(key) == "" {
		return "", &CredentialNeededError{Provider: p.ID()}
	}
	return key, nil
}

func (s *Sender) drive(ctx context.Context, run *Run, provider llm.Provider, req llm.Request) {
	defer s.wg.Done()
	start := time.Now()
	log := logx.WithProvider(logx.WithTab(ctx, run.TabID), run.Provider, run.Model)
	log.Info("send start", "messages", len(req.Messages))
	// Adapter logs carry the tab and provider fields.
	ctx = logx.ContextWithTabLogger(ctx, log, run.TabID)

	err := s.pump(ctx, run, provider, req)

	result := Result{TabID: run.TabID, MessageID: run.MessageID, Duration: time.Since(start)}
	switch {
	case err == nil && ctx.Err() == nil:
		result.Outcome = OutcomeCompleted
		log.Info("send done", "elapsed", result.Duration)
	case errors.Is(err, llm.ErrAborted) || ctx.Err() != nil:
		result.Outcome = OutcomeAborted
		log.Info("send aborted", "elapsed", result.Duration)
	default:
		result.Outcome = OutcomeFailed
		result.Err = err
		log.Warn("send failed", "err", err, "kind", string(llm.KindOf(err)))
		if appendErr := s.commit(run, "\n\n[Error: "+err.Error()+"]"); appendErr != nil {
			log.Warn("send error annotation dropped", "err", appendErr)
		}
	}
	run.result = result

	run.cancel()
	s.mu.Lock()
	if s.runs[run.TabID] == run {
		delete(s.runs, run.TabID)
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventDone, TabID: run.TabID, UserMessageID: run.UserMessageID, MessageID: run.MessageID, Result: &result})
	close(run.done)
}

// pump copies fragments into the placeholder message until the stream ends.
func (s *Sender) pump(ctx context.Context, run *Run, provider llm.Provider, req llm.Request) error {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.commit(run, frag); err != nil {
			return err
		}
	}
}

// commit appends text to the run's reply and notifies the observer.
func (s *Sender) commit(run *Run, text string) error {
	if err := s.store.AppendToMessage(run.TabID, run.MessageID, text); err != nil {
		return err
	}
	s.emit(Event{Type: EventFragment, TabID: run.TabID, MessageID: run.MessageID, Text: text, Offset: run.written})
	run.written += len(text)
	return nil
}

func (s *Sender) emit(ev Event) {
	if s.opts.Observer != nil {
		s.opts.Observer(ev)
	}
}
