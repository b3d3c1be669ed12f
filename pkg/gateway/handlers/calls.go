package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
)

// CallsHandler lists the live calls of this process.
type CallsHandler struct {
	Calls *sessions.Registry
}

type callView struct {
	SessionID     string `json:"session_id"`
	State         string `json:"state"`
	StreamID      string `json:"stream_id,omitempty"`
	CallID        string `json:"call_id,omitempty"`
	AgentSpeaking bool   `json:"agent_speaking"`
	LastMark      string `json:"last_played_mark,omitempty"`
	PendingMedia  int    `json:"pending_media_frames"`
	PendingTools  int    `json:"pending_tool_calls"`
}

func (h CallsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snaps := h.Calls.Snapshots()
	calls := make([]callView, 0, len(snaps))
	for _, s := range snaps {
		calls = append(calls, callView{
			SessionID:     s.SessionID,
			State:         s.State.String(),
			StreamID:      s.StreamID,
			CallID:        s.CallID,
			AgentSpeaking: s.AgentSpeaking,
			LastMark:      s.LastMark,
			PendingMedia:  s.PendingMedia,
			PendingTools:  s.PendingTools,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Calls []callView `json:"calls"`
	}{Calls: calls})
}
