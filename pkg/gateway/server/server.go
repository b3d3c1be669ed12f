package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/relay"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/sessions"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/upstream"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/mw"
	"github.com/vango-go/vai-callbridge/pkg/gateway/profile"
	"github.com/vango-go/vai-callbridge/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools/lookup"
)

// Options carries the process-wide collaborators the server does not own.
type Options struct {
	Profile  profile.Profile
	Reporter relay.Reporter
	Metrics  *metrics.Metrics

	// Backend overrides the realtime dialer built from config.
	Backend handlers.BackendDialer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	router chi.Router

	profile    profile.Profile
	reporter   relay.Reporter
	metrics    *metrics.Metrics
	backend    handlers.BackendDialer
	tools      *lookup.Gateway
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	lifecycle  *lifecycle.Lifecycle
	calls      *sessions.Registry
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Profile.Name == "" {
		opts.Profile = profile.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	backend := opts.Backend
	if backend == nil {
		backend = upstream.NewDialer(upstream.Config{
			URL:              cfg.BackendURL,
			Model:            cfg.BackendModel,
			APIKey:           cfg.BackendAPIKey,
			HandshakeTimeout: cfg.BackendDialTimeout,
			MaxMessageBytes:  cfg.WSMaxMessageBytes,
		})
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		router:     chi.NewRouter(),
		profile:    opts.Profile,
		reporter:   opts.Reporter,
		metrics:    opts.Metrics,
		backend:    backend,
		httpClient: httpClient,
		limiter: ratelimit.New(ratelimit.Config{
			CallsPerSecond:     cfg.CallRatePerSecond,
			Burst:              cfg.CallBurst,
			MaxConcurrentCalls: cfg.MaxConcurrentPerCaller,
		}),
		lifecycle: &lifecycle.Lifecycle{},
		calls:     sessions.NewRegistry(),
	}
	s.tools = lookup.NewGateway(
		lookup.NewClient(cfg.LookupURL, cfg.LookupToken, httpClient),
		opts.Profile.Tools,
		lookup.Options{Timeout: cfg.ToolTimeout, Metrics: opts.Metrics, Logger: logger},
	)

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(mw.RequestID)
	r.Use(func(next http.Handler) http.Handler { return mw.AccessLog(s.logger, next) })
	r.Use(func(next http.Handler) http.Handler { return mw.Recover(s.logger, next) })

	media := handlers.MediaStreamHandler{
		Config:    s.cfg,
		Session:   s.profile.SessionConfig(),
		Backend:   s.backend,
		Tools:     s.tools,
		Reporter:  s.reporter,
		Metrics:   s.metrics,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Limiter:   s.limiter,
	}
	health := handlers.HealthHandler{}

	// Media-stream providers may open the websocket on the root path.
	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		if mw.IsWebSocketUpgrade(req) {
			media.ServeHTTP(w, req)
			return
		}
		health.ServeHTTP(w, req)
	})
	r.Method(http.MethodHead, "/", health)
	r.Method(http.MethodGet, "/healthz", health)
	r.Method(http.MethodHead, "/healthz", health)
	r.Method(http.MethodGet, "/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
	})
	r.Method(http.MethodGet, "/calls", handlers.CallsHandler{Calls: s.calls})
	r.Handle("/media-stream", media)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.NotFound(handlers.NotFoundHandler{}.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		reqID, _ := mw.RequestIDFrom(req.Context())
		mw.WriteError(w, http.StatusMethodNotAllowed, mw.Error{
			Type:      mw.ErrTypeInvalidRequest,
			Message:   "method not allowed",
			Code:      "method_not_allowed",
			RequestID: reqID,
		})
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// SetDraining makes readiness fail and refuses new calls.
func (s *Server) SetDraining() {
	s.lifecycle.StartDraining(time.Now())
}

func (s *Server) LiveCalls() int {
	return s.calls.Live()
}

// LogLiveCalls logs the state of every call still open at shutdown.
func (s *Server) LogLiveCalls() {
	for _, snap := range s.calls.Snapshots() {
		s.logger.Info("call still live during drain",
			"session_id", snap.SessionID,
			"state", snap.State.String(),
			"stream_id", snap.StreamID,
			"call_id", snap.CallID,
			"pending_tools", snap.PendingTools,
		)
	}
}

func (s *Server) WaitLiveCalls(ctx context.Context) bool {
	return s.calls.WaitIdle(ctx)
}

func (s *Server) CancelLiveCalls() int {
	return s.calls.HangupAll()
}
