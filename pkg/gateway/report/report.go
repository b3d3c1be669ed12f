// Package report emits best-effort post-call summaries. Report never blocks the
// caller; delivery happens on a background worker and failures are logged and
// swallowed.
package report

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
)

const (
	EventCallEnded = "call_ended"

	defaultQueueSize = 256
	defaultTimeout   = 5 * time.Second
	dedupeSize       = 4096
	dedupeTTL        = time.Hour
)

// Summary is what a finished call session hands to the reporter.
type Summary struct {
	SessionID string
	CallID    string
	StreamID  string
	StartedAt time.Time
	EndedAt   time.Time
	Outcome   string
}

// Event is the structured record delivered to every sink.
type Event struct {
	Event           string    `json:"event"`
	EventID         string    `json:"eventId"`
	CallID          string    `json:"callId"`
	StreamID        string    `json:"streamId,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	DurationSeconds float64   `json:"durationSeconds"`
	Outcome         string    `json:"outcome"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
}

// NewEvent builds the call_ended event for s. Duration is rounded to the millisecond.
func NewEvent(s Summary) Event {
	d := s.EndedAt.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	return Event{
		Event:           EventCallEnded,
		EventID:         uuid.NewString(),
		CallID:          s.CallID,
		StreamID:        s.StreamID,
		SessionID:       s.SessionID,
		DurationSeconds: math.Round(d.Seconds()*1000) / 1000,
		Outcome:         s.Outcome,
		StartedAt:       s.StartedAt.UTC(),
		EndedAt:         s.EndedAt.UTC(),
	}
}

// Sink delivers one event to an external collector.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

type Options struct {
	Sinks     []Sink
	QueueSize int
	Timeout   time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Reporter fans call summaries out to its sinks from a single worker.
type Reporter struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	seen   *expirable.LRU[string, struct{}]

	done chan struct{}
}

func New(opts Options) *Reporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Reporter{
		sinks:   opts.Sinks,
		queue:   make(chan Event, opts.QueueSize),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		seen:    expirable.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
		done:    make(chan struct{}),
	}
	if len(r.sinks) == 0 {
		r.sinks = []Sink{NewLogSink(opts.Logger)}
	}
	go r.run()
	return r
}

// Report enqueues a summary. It returns false when the summary was not
// accepted: a session already reported, a full queue, or a closed reporter.
// One call may carry several media streams, each with its own report.
func (r *Reporter) Report(s Summary) bool {
	if r == nil {
		return false
	}
	key := s.SessionID
	if key == "" && (s.CallID != "" || s.StreamID != "") {
		key = s.CallID + "/" + s.StreamID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if key != "" {
		if r.seen.Contains(key) {
			r.logger.Debug("duplicate session report suppressed", "session_id", s.SessionID, "call_id", s.CallID)
			return false
		}
		r.seen.Add(key, struct{}{})
	}

	select {
	case r.queue <- NewEvent(s):
		return true
	default:
		r.metrics.RecordReport("queue", "dropped")
		r.logger.Warn("call report dropped: queue full", "call_id", s.CallID)
		return false
	}
}

// Close stops accepting reports and waits for queued ones to be delivered or ctx to end.
func (r *Reporter) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reporter) run() {
	defer close(r.done)
	for ev := range r.queue {
		for _, sink := range r.sinks {
			r.deliver(sink, ev)
		}
	}
}

func (r *Reporter) deliver(sink Sink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := sink.Send(ctx, ev); err != nil {
		r.metrics.RecordReport(sink.Name(), "error")
		r.logger.Warn("call report failed",
			"sink", sink.Name(),
			"call_id", ev.CallID,
			"error", err,
		)
		return
	}
	r.metrics.RecordReport(sink.Name(), "ok")
}
