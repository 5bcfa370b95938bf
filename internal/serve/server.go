// Package serve exposes the chat core to a browser over HTTP and a
// WebSocket event channel.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ioai/ioai/internal/chat"
	"github.com/ioai/ioai/internal/credentials"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/prefs"
	"github.com/ioai/ioai/internal/session"
	"pkt.systems/pslog"
)

// Deps are the stores and backends the server operates on.
type Deps struct {
	Store       *session.Store
	Registry    *llm.Registry
	Credentials *credentials.Store
	Prefs       *prefs.Store
}

// Options configures the server.
type Options struct {
	// Token, when set, is required as a bearer token (or ?token= on GET).
	Token string
	// SendRate is sends per second allowed per connection; SendBurst the
	// bucket size. A zero rate disables limiting.
	SendRate    float64
	SendBurst   int
	HistorySize int
	Chat        chat.Options
}

// Server is the browser-facing chat server.
type Server struct {
	ctx      context.Context
	store    *session.Store
	registry *llm.Registry
	creds    *credentials.Store
	prefs    *prefs.Store
	sender   *chat.Sender
	hub      *Hub
	opts     Options
}

// New builds a server. ctx bounds every send started through it and carries
// the logger.
func New(ctx context.Context, deps Deps, opts Options) *Server {
	s := &Server{
		ctx:      ctx,
		store:    deps.Store,
		registry: deps.Registry,
		creds:    deps.Credentials,
		prefs:    deps.Prefs,
		hub:      NewHub(pslog.Ctx(ctx), opts.HistorySize),
		opts:     opts,
	}
	chatOpts := opts.Chat
	next := chatOpts.Observer
	chatOpts.Observer = func(ev chat.Event) {
		s.onChatEvent(ev)
		if next != nil {
			next(ev)
		}
	}
	var creds chat.Credentials
	if deps.Credentials != nil {
		creds = deps.Credentials
	}
	var pr chat.Preferences
	if deps.Prefs != nil {
		pr = deps.Prefs
	}
	s.sender = chat.NewSender(deps.Store, deps.Registry, creds, pr, chatOpts)
	return s
}

// Sender returns the orchestrator used for browser sends.
func (s *Server) Sender() *chat.Sender {
	return s.sender
}

// Hub returns the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/providers", s.auth(s.handleProviders))
	mux.HandleFunc("GET /api/state", s.auth(s.handleState))
	mux.HandleFunc("GET /api/tabs/{id}/transcript", s.auth(s.handleTranscript))
	mux.HandleFunc("GET /api/secrets", s.auth(s.handleSecretsStatus))
	mux.HandleFunc("POST /api/secrets/unlock", s.auth(s.handleUnlock))
	mux.HandleFunc("GET /api/secrets/{provider}", s.auth(s.handleGetSecret))
	mux.HandleFunc("PUT /api/secrets/{provider}", s.auth(s.handlePutSecret))
	mux.HandleFunc("DELETE /api/secrets/{provider}", s.auth(s.handleDeleteSecret))
	mux.HandleFunc("POST /api/secrets/{provider}/validate", s.auth(s.handleValidate))
	mux.HandleFunc("GET /api/prefs", s.auth(s.handleGetPrefs))
	mux.HandleFunc("PUT /api/prefs", s.auth(s.handlePutPrefs))
	mux.HandleFunc("GET /ws", s.auth(s.handleWS))
	return withRequestLogging(mux)
}

func (s *Server) state() *StateView {
	snap := s.store.Snapshot()
	return &StateView{Tabs: snap.Tabs, ActiveID: s.store.ActiveID(), Busy: s.sender.RunningTabs()}
}

func (s *Server) broadcastState() {
	s.hub.Broadcast(WireEvent{Type: EventState, State: s.state()})
}

func (s *Server) onChatEvent(ev chat.Event) {
	switch ev.Type {
	case chat.EventStarted:
		s.broadcastState()
		s.hub.Broadcast(toWireEvent(ev))
	case chat.EventDone:
		s.hub.Broadcast(toWireEvent(ev))
		s.broadcastState()
	default:
		s.hub.Broadcast(toWireEvent(ev))
	}
}

// modelFor picks the model for a tab switched to provider without an
// explicit model.
func (s *Server) modelFor(provider llm.ProviderID, model string) string {
	if model = strings.TrimSpace(model); model != "" {
		return model
	}
	if s.prefs != nil {
		if m := s.prefs.DefaultFor(provider); m != "" {
			return m
		}
	}
	return llm.DefaultModel(provider)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	infos := s.registry.List()
	out := make([]ProviderView, 0, len(infos))
	for _, info := range infos {
		view := ProviderView{ProviderInfo: info}
		if s.creds != nil {
			key, err := s.creds.Get(string(info.ID))
			view.HasKey = err == nil && key != ""
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	tab, err := s.store.Tab(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = w.Write([]byte(session.ExportToMarkdown(tab, session.ExportOptions{})))
		return
	}
	page, err := RenderTranscript(tab)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("transcript render failed", "tab", tab.ID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

type secretsStatus struct {
	Encrypted bool     `json:"encrypted"`
	Unlocked  bool     `json:"unlocked"`
	Providers []string `json:"providers"`
}

func (s *Server) handleSecretsStatus(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		writeJSON(w, http.StatusOK, secretsStatus{Unlocked: true, Providers: []string{}})
		return
	}
	status := secretsStatus{Encrypted: s.creds.Encrypted(), Unlocked: s.creds.Unlocked(), Providers: []string{}}
	if providers, err := s.creds.Providers(); err == nil {
		status.Providers = providers
	}
	writeJSON(w, http.StatusOK, status)
}

type passphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if s.creds == nil {
		writeError(w, http.StatusNotFound, errors.New("no credential store"))
		return
	}
	var req passphraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.creds.Unlock(req.Passphrase); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, credentials.ErrBadPassphrase) {
			status = http.StatusForbidden
		}
		writeError(w, status, err)
		return
	}
	s.handleSecretsStatus(w, r)
}

func (s *Server) providerParam(w http.ResponseWriter, r *http.Request) (llm.ProviderID, bool) {
	id, err := llm.ParseProviderID(r.PathValue("provider"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return "", false
	}
	if s.creds == nil {
		writeError(w, http.StatusNotFound, errors.New("no credential store"))
		return "", false
	}
	return id, true
}

type secretView struct {
	Provider   llm.ProviderID `json:"provider"`
	Configured bool           `json:"configured"`
}

func (s *Server) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	key, err := s.creds.Get(string(id))
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretView{Provider: id, Configured: key != ""})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (s *Server) handlePutSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.creds.Set(string(id), req.Key); err != nil {
		writeCredentialError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, secretView{Provider: id, Configured: strings.TrimSpace(req.Key) != ""})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	if err := s.creds.Clear(string(id)); err != nil {
		writeCredentialError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validationView struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.providerParam(w, r)
	if !ok {
		return
	}
	var req keyRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		stored, err := s.creds.Get(string(id))
		if err != nil {
			writeCredentialError(w, err)
			return
		}
		key = stored
	}
	res, err := s.registry.Validate(r.Context(), id, key)
	if err != nil {
		pslog.Ctx(r.Context()).Info("credential validation failed", "provider", string(id), "err", err)
		writeJSON(w, http.StatusOK, validationView{OK: false, Message: err.Error(), Kind: string(llm.KindOf(err))})
		return
	}
	writeJSON(w, http.StatusOK, validationView{OK: res.OK, Message: res.Message})
}

func (s *Server) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		writeJSON(w, http.StatusOK, prefs.Prefs{ShowReasoning: true, Models: map[string]string{}})
		return
	}
	writeJSON(w, http.StatusOK, s.prefs.Get())
}

type prefsUpdate struct {
	ShowReasoning *bool             `json:"show_reasoning"`
	Models        map[string]string `json:"models"`
}

func (s *Server) handlePutPrefs(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		writeError(w, http.StatusNotFound, errors.New("no preference store"))
		return
	}
	var req prefsUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for name := range req.Models {
		if _, err := llm.ParseProviderID(name); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.ShowReasoning != nil {
		if err := s.prefs.SetShowReasoning(*req.ShowReasoning); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	for name, model := range req.Models {
		if err := s.prefs.SetDefault(llm.ProviderID(name), model); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.prefs.Get())
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := strings.TrimSpace(s.opts.Token)
	if token == "" {
		return true
	}
	// Browsers cannot set headers on WebSocket or link navigations.
	if r.Method == http.MethodGet && r.URL.Query().Get("token") == token {
		return true
	}
	value := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(value, prefix)) == token
}

func writeCredentialError(w http.ResponseWriter, err error) {
	if errors.Is(err, credentials.ErrLocked) {
		writeError(w, http.StatusLocked, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
