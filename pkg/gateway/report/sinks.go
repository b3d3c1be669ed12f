package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// HTTPSink posts each event as JSON to a webhook URL.
type HTTPSink struct {
	url        string
	httpClient *http.Client
}

func NewHTTPSink(url string, httpClient *http.Client) *HTTPSink {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPSink{url: strings.TrimSpace(url), httpClient: httpClient}
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// RedisSink appends each event to a Redis stream.
type RedisSink struct {
	client redis.UniversalClient
	stream string
}

func NewRedisSink(client redis.UniversalClient, stream string) *RedisSink {
	if strings.TrimSpace(stream) == "" {
		stream = "callbridge:calls"
	}
	return &RedisSink{client: client, stream: stream}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"event":           ev.Event,
			"eventId":         ev.EventID,
			"callId":          ev.CallID,
			"streamId":        ev.StreamID,
			"sessionId":       ev.SessionID,
			"durationSeconds": strconv.FormatFloat(ev.DurationSeconds, 'f', 3, 64),
			"outcome":         ev.Outcome,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// LogSink writes each event to the process logger. It is used when no
// external collector is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, ev Event) error {
	s.logger.Info(ev.Event,
		"call_id", ev.CallID,
		"stream_id", ev.StreamID,
		"session_id", ev.SessionID,
		"duration_seconds", ev.DurationSeconds,
		"outcome", ev.Outcome,
	)
	return nil
}
