package serve

import (
	"github.com/ioai/ioai/internal/chat"
	"github.com/ioai/ioai/internal/llm"
	"github.com/ioai/ioai/internal/session"
)

// Server->client event types.
const (
	EventState            = "state"
	EventSendStarted      = "send_started"
	EventFragment         = "fragment"
	EventSendDone         = "send_done"
	EventCredentialNeeded = "credential_needed"
	EventError            = "error"
)

// Client->server event types.
const (
	ClientSend       = "send"
	ClientStop       = "stop"
	ClientCreateTab  = "create_tab"
	ClientCloseTab   = "close_tab"
	ClientSelectTab  = "select_tab"
	ClientRenameTab  = "rename_tab"
	ClientSetSession = "set_session"
)

// WireEvent is the JSON envelope sent server->client.
// Every event has a monotonic Seq for catchup replay.
type WireEvent struct {
	Seq  uint64 `json:"seq"`
	Type string `json:"type"`

	// state
	State *StateView `json:"state,omitempty"`

	// send_started / fragment / send_done
	TabID         string `json:"tab_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	UserMessageID string `json:"user_message_id,omitempty"`
	Text          string `json:"text,omitempty"`
	Offset        int    `json:"offset,omitempty"`
	Outcome       string `json:"outcome,omitempty"`

	// credential_needed
	Provider llm.ProviderID `json:"provider,omitempty"`

	// send_done / credential_needed / error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// StateView is the full client-visible state.
type StateView struct {
	Tabs     []session.Tab `json:"tabs"`
	ActiveID string        `json:"active_id"`
	Busy     []string      `json:"busy"`
}

// ClientEvent is the JSON envelope sent client->server.
type ClientEvent struct {
	Type     string         `json:"type"`
	TabID    string         `json:"tab_id,omitempty"`
	Text     string         `json:"text,omitempty"`
	Title    string         `json:"title,omitempty"`
	Provider llm.ProviderID `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
}

// ProviderView describes a backend for the UI.
type ProviderView struct {
	llm.ProviderInfo
	HasKey bool `json:"has_key"`
}

// toWireEvent converts an orchestrator event.
func toWireEvent(ev chat.Event) WireEvent {
	switch ev.Type {
	case chat.EventStarted:
		return WireEvent{Type: EventSendStarted, TabID: ev.TabID, MessageID: ev.MessageID, UserMessageID: ev.UserMessageID}
	case chat.EventFragment:
		return WireEvent{Type: EventFragment, TabID: ev.TabID, MessageID: ev.MessageID, Text: ev.Text, Offset: ev.Offset}
	case chat.EventDone:
		out := WireEvent{Type: EventSendDone, TabID: ev.TabID, MessageID: ev.MessageID}
		if ev.Result != nil {
			out.Outcome = string(ev.Result.Outcome)
			if ev.Result.Err != nil {
				out.Message = ev.Result.Err.Error()
				out.Kind = string(llm.KindOf(ev.Result.Err))
			}
		}
		return out
	default:
		return WireEvent{}
	}
}
