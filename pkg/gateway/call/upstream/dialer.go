// Package upstream opens the realtime backend connection for one call.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBackendUnavailable marks a backend connection that could not be established.
var ErrBackendUnavailable = errors.New("backend unavailable")

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-mini-realtime-preview"

	betaHeaderValue = "realtime=v1"
)

type Config struct {
	URL              string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
}

type Dialer struct {
	url       string
	model     string
	apiKey    string
	readLimit int64
	ws        *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	u := strings.TrimSpace(cfg.URL)
	if u == "" {
		u = DefaultURL
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{
		url:       u,
		model:     strings.TrimSpace(cfg.Model),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		readLimit: cfg.MaxMessageBytes,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: timeout,
		},
	}
}

// Endpoint returns the backend URL with the model query parameter applied.
func (d *Dialer) Endpoint() (string, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("backend url scheme must be ws or wss")
	}
	if d.model != "" {
		q := u.Query()
		q.Set("model", d.model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial connects to the backend. Every failure wraps ErrBackendUnavailable.
func (d *Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	header := http.Header{}
	if d.apiKey != "" {
		header.Set("Authorization", "Bearer "+d.apiKey)
	}
	header.Set("OpenAI-Beta", betaHeaderValue)

	conn, resp, err := d.ws.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, fmt.Errorf("%w: handshake status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if d.readLimit > 0 {
		conn.SetReadLimit(d.readLimit)
	}
	return conn, nil
}
