package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
)

const healthBody = "OK - Twilio <-> OpenAI Realtime Bridge\n"

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write([]byte(healthBody))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool       `json:"ok"`
		Draining      bool       `json:"draining"`
		DrainingSince *time.Time `json:"draining_since,omitempty"`
		LiveCalls     int        `json:"live_calls"`
		Tools         bool       `json:"tools_configured"`
		Reporting     []string   `json:"reporting,omitempty"`
		Issues        []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if h.Config.BackendAPIKey == "" {
		issues = append(issues, "backend api key is not configured")
	}
	if h.Config.BackendURL == "" {
		issues = append(issues, "backend url is not configured")
	}
	if h.Config.WSWriteTimeout <= 0 || h.Config.BackpressureGrace <= 0 {
		issues = append(issues, "relay timeouts must be > 0")
	}
	if h.Config.PendingMediaFrames <= 0 || h.Config.OutboundQueueSize <= 0 {
		issues = append(issues, "relay queues must be > 0")
	}

	resp := readyResp{
		Draining:  h.Lifecycle.IsDraining(),
		LiveCalls: h.Calls.Live(),
		Tools:     h.Config.LookupURL != "",
		Issues:    issues,
	}
	if resp.Draining {
		since := h.Lifecycle.DrainingSince().UTC()
		resp.DrainingSince = &since
	}
	if h.Config.ReportURL != "" {
		resp.Reporting = append(resp.Reporting, "webhook")
	}
	if h.Config.ReportRedisAddr != "" {
		resp.Reporting = append(resp.Reporting, "redis")
	}
	resp.OK = len(issues) == 0 && !resp.Draining

	status := http.StatusOK
	switch {
	case resp.Draining:
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	mw.WriteError(w, http.StatusNotFound, mw.Error{
		Type:      mw.ErrTypeNotFound,
		Message:   "not found",
		RequestID: reqID,
	})
}
