package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/relay"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ratelimit"
)

// BackendDialer opens one realtime backend connection.
type BackendDialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

// MediaStreamHandler accepts a telephony media-stream websocket and runs one
// call session on it until either side hangs up.
type MediaStreamHandler struct {
	Config    config.Config
	Session   protocol.SessionConfig
	Backend   BackendDialer
	Tools     relay.ToolInvoker
	Reporter  relay.Reporter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Registry
	Limiter   *ratelimit.Limiter
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodGet {
		mw.WriteError(w, http.StatusMethodNotAllowed, mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		mw.WriteError(w, http.StatusServiceUnavailable, mw.Error{Type: mw.ErrTypeOverloaded, Message: "bridge is draining", Code: "draining", RequestID: reqID})
		return
	}
	if !mw.IsWebSocketUpgrade(r) {
		mw.WriteError(w, http.StatusBadRequest, mw.Error{Type: mw.ErrTypeInvalidRequest, Message: "websocket upgrade required", Code: "upgrade_required", RequestID: reqID})
		return
	}
	if h.Backend == nil {
		mw.WriteError(w, http.StatusInternalServerError, mw.Error{Type: mw.ErrTypeInternal, Message: "backend is not configured", RequestID: reqID})
		return
	}

	dec := h.Limiter.AcquireCall(ratelimit.KeyFromRemoteAddr(r.RemoteAddr), time.Now())
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		mw.WriteError(w, http.StatusTooManyRequests, mw.Error{Type: mw.ErrTypeOverloaded, Message: "too many calls", Code: "rate_limited", RequestID: reqID})
		return
	}
	defer dec.Permit.Release()

	// Media-stream providers do not send a browser Origin.
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("media stream upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}

	sessionID := "call_" + uuid.NewString()
	backend := h.Backend
	sess, err := relay.New(relay.Dependencies{
		Telephony: conn,
		DialBackend: func(ctx context.Context) (relay.Conn, error) {
			c, err := backend.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Session:   h.Session,
		Tools:     h.Tools,
		Reporter:  h.Reporter,
		Metrics:   h.Metrics,
		Logger:    logger.With("request_id", reqID),
		SessionID: sessionID,
		Config: relay.Config{
			PendingMediaFrames: h.Config.PendingMediaFrames,
			OutboundQueueSize:  h.Config.OutboundQueueSize,
			BackpressureGrace:  h.Config.BackpressureGrace,
			WriteTimeout:       h.Config.WSWriteTimeout,
			PingInterval:       h.Config.WSPingInterval,
			MaxCallDuration:    h.Config.MaxCallDuration,
			MaxConcurrentTools: h.Config.MaxConcurrentTools,
		},
	})
	if err != nil {
		logger.Error("failed to initialize call session", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(time.Second))
		return
	}

	ended := h.Calls.Admit(sessionID, sessions.Call{
		Hangup:   sess.Cancel,
		Snapshot: sess.Snapshot,
	})
	defer ended()

	if err := sess.Run(); err != nil {
		logger.Warn("call session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
	}
}
