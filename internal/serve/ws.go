package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ioai/ioai/internal/chat"
	"github.com/ioai/ioai/internal/credentials"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/logx"
	"github.com/ioai/ioai/internal/session"
	"golang.org/x/time/rate"
	"pkt.systems/pslog"
)

const writeTimeout = 10 * time.Second

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return upgrader.Upgrade(w, r, nil)
}

// checkOrigin admits any origin once a token guards the socket. Without a
// token only same-host pages (and non-browser clients, which send no Origin)
// may connect, since the socket exposes transcripts and spends stored keys.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.opts.Token != "" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.opts.SendRate <= 0 {
		return nil
	}
	burst := s.opts.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.SendRate), burst)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrade(w, r)
	if err != nil {
		pslog.Ctx(r.Context()).Warn("ws upgrade failed", "err", err)
		return
	}
	connID := uuid.NewString()
	ctx := logx.ContextWithConnLogger(r.Context(), logx.WithConn(r.Context(), connID), connID)
	log := pslog.Ctx(ctx)
	log.Info("ws connected", "remote", clientIP(r))

	events, unsub, subSeq := s.hub.Subscribe(connID)

	if after, err := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64); err == nil {
		replayed := 0
		for _, ev := range s.hub.Replay(after) {
			if ev.Seq > subSeq {
				break
			}
			if err := writeEvent(conn, ev); err != nil {
				break
			}
			replayed++
		}
		log.Debug("ws replay", "after", after, "count", replayed)
	}
	s.hub.SendTo(connID, WireEvent{Type: EventState, State: s.state()})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			if err := writeEvent(conn, ev); err != nil {
				log.Debug("ws write failed", "err", err)
				_ = conn.Close()
				for range events {
				}
				return
			}
		}
	}()

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()

	limiter := s.newLimiter()
	for {
		var ev ClientEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("ws read failed", "err", err)
			}
			break
		}
		s.handleClientEvent(ctx, connID, limiter, ev)
	}

	close(stopWatch)
	unsub()
	<-writerDone
	_ = conn.Close()
	log.Info("ws disconnected")
}

func (s *Server) handleClientEvent(ctx context.Context, connID string, limiter *rate.Limiter, ev ClientEvent) {
	log := pslog.Ctx(ctx)
	log.Debug("ws event", "type", ev.Type, "tab", ev.TabID)

	var err error
	switch ev.Type {
	case ClientSend:
		if limiter != nil && !limiter.Allow() {
			s.sendError(connID, string(llm.KindRateLimit), "Too many messages, slow down")
			return
		}
		s.startSend(ctx, connID, ev)
		return
	case ClientStop:
		tabID := ev.TabID
		if tabID == "" {
			tabID = s.store.ActiveID()
		}
		s.sender.Stop(tabID)
		return
	case ClientCreateTab:
		err = s.createTab(ev)
	case ClientCloseTab:
		s.sender.Stop(ev.TabID)
		err = s.store.CloseTab(ev.TabID)
	case ClientSelectTab:
		err = s.store.SetActive(ev.TabID)
	case ClientRenameTab:
		title := strings.TrimSpace(ev.Title)
		if title == "" {
			err = errors.New("title is required")
			break
		}
		err = s.store.RenameTab(ev.TabID, title)
	case ClientSetSession:
		err = s.setSession(ev)
	default:
		err = fmt.Errorf("unknown event type: %q", ev.Type)
	}
	if err != nil {
		log.Info("ws event rejected", "type", ev.Type, "err", err)
		s.sendError(connID, "", err.Error())
		return
	}
	s.broadcastState()
}

func (s *Server) startSend(ctx context.Context, connID string, ev ClientEvent) {
	_, err := s.sender.Start(s.ctx, ev.TabID, ev.Text)
	if err == nil {
		return
	}
	var need *chat.CredentialNeededError
	if errors.As(err, &need) {
		kind := "missing"
		if errors.Is(err, credentials.ErrLocked) {
			kind = "locked"
		}
		logx.WithProvider(pslog.Ctx(ctx), need.Provider, "").Info("send needs credential", "kind", kind)
		s.hub.SendTo(connID, WireEvent{Type: EventCredentialNeeded, Provider: need.Provider, Kind: kind, Message: err.Error()})
		// Resolve may have created a tab.
		s.broadcastState()
		return
	}
	kind := ""
	switch {
	case errors.Is(err, chat.ErrBusy):
		kind = "busy"
	case errors.Is(err, chat.ErrEmptyInput):
		kind = "empty"
	case errors.Is(err, session.ErrTabNotFound):
		kind = "not_found"
	}
	s.sendError(connID, kind, err.Error())
}

func (s *Server) createTab(ev ClientEvent) error {
	provider := ev.Provider
	if provider == "" {
		provider = llm.ProviderEcho
	}
	if _, ok := s.registry.Get(provider); !ok {
		return fmt.Errorf("unknown provider: %s", provider)
	}
	s.store.CreateTab(session.TabInit{
		Provider: provider,
		Model:    s.modelFor(provider, ev.Model),
		Title:    strings.TrimSpace(ev.Title),
	})
	return nil
}

func (s *Server) setSession(ev ClientEvent) error {
	if _, ok := s.registry.Get(ev.Provider); !ok {
		return fmt.Errorf("unknown provider: %s", ev.Provider)
	}
	return s.store.SetSession(ev.TabID, ev.Provider, s.modelFor(ev.Provider, ev.Model))
}

func (s *Server) sendError(connID, kind, message string) {
	s.hub.SendTo(connID, WireEvent{Type: EventError, Kind: kind, Message: message})
}

func writeEvent(conn *websocket.Conn, e WireEvent) error {
	if conn == nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(e)
}
