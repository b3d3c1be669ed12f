package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/report"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools/lookup"
)

type recordedWrite struct {
	conn string
	data string
}

// recorder keeps one global order across both connections.
type recorder struct {
	mu     sync.Mutex
	writes []recordedWrite
}

func (r *recorder) add(conn string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, recordedWrite{conn: conn, data: string(data)})
}

func (r *recorder) snapshot() []recordedWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedWrite, len(r.writes))
	copy(out, r.writes)
	return out
}

func (r *recorder) frames(conn string) []map[string]any {
	var out []map[string]any
	for _, w := range r.snapshot() {
		if w.conn != conn {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(w.data), &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func waitForWrites(t *testing.T, r *recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 2*time.Second, 5*time.Millisecond)
}

type fakeConn struct {
	name string
	rec  *recorder
	in   chan []byte

	closed     chan struct{}
	closeOnce  sync.Once
	remote     chan struct{}
	remoteOnce sync.Once

	// block, when set, stalls every write until it is closed.
	block chan struct{}
}

func newFakeConn(name string, rec *recorder) *fakeConn {
	return &fakeConn{
		name:   name,
		rec:    rec,
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		remote: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return websocket.TextMessage, b, nil
	case <-c.remote:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
			return net.ErrClosed
		}
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.rec.add(c.name, data)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
		return nil
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// hangup simulates the remote peer closing the connection.
func (c *fakeConn) hangup() {
	c.remoteOnce.Do(func() { close(c.remote) })
}

func (c *fakeConn) send(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.in <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatalf("%s: inbound frame not consumed", c.name)
	}
}

type fakeReporter struct {
	mu        sync.Mutex
	summaries []report.Summary
}

func (r *fakeReporter) Report(s report.Summary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
	return true
}

func (r *fakeReporter) snapshot() []report.Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report.Summary(nil), r.summaries...)
}

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	release map[string]chan struct{}
	fail    map[string]string

	inFlight    int
	maxInFlight int
}

func (f *fakeInvoker) Invoke(ctx context.Context, req protocol.ToolCallRequest) lookup.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req.CallID)
	gate := f.release[req.CallID]
	code := f.fail[req.CallID]
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return lookup.Failure(req, lookup.CodeSessionClosed, "closed")
		}
	}
	if code != "" {
		return lookup.Failure(req, code, "lookup failed")
	}
	return lookup.Result{CallID: req.CallID, Tool: req.Name, Data: json.RawMessage(`{"answer":"` + req.CallID + `"}`)}
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

type harnessOptions struct {
	cfg      Config
	tools    ToolInvoker
	gateDial bool
	dialErr  error
	now      func() time.Time

	blockTelephony bool
}

type harness struct {
	t         *testing.T
	rec       *recorder
	telephony *fakeConn
	backend   *fakeConn
	reporter  *fakeReporter
	session   *Session
	dialGate  chan struct{}
	done      chan error
}

func startHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	rec := &recorder{}
	h := &harness{
		t:         t,
		rec:       rec,
		telephony: newFakeConn("telephony", rec),
		backend:   newFakeConn("backend", rec),
		reporter:  &fakeReporter{},
		dialGate:  make(chan struct{}),
		done:      make(chan error, 1),
	}
	if !opts.gateDial {
		close(h.dialGate)
	}
	if opts.blockTelephony {
		h.telephony.block = make(chan struct{})
	}
	if opts.cfg.WriteTimeout == 0 {
		opts.cfg.WriteTimeout = time.Second
	}
	if opts.cfg.PingInterval == 0 {
		opts.cfg.PingInterval = time.Hour
	}

	s, err := New(Dependencies{
		Telephony: h.telephony,
		DialBackend: func(ctx context.Context) (Conn, error) {
			select {
			case <-h.dialGate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if opts.dialErr != nil {
				return nil, opts.dialErr
			}
			return h.backend, nil
		},
		Session:   protocol.SessionConfig{Voice: "alloy", InputAudioFormat: "g711_ulaw", OutputAudioFormat: "g711_ulaw"},
		Tools:     opts.tools,
		Reporter:  h.reporter,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		SessionID: "sess_test",
		Config:    opts.cfg,
		Now:       opts.now,
	})
	require.NoError(t, err)
	h.session = s

	go func() { h.done <- s.Run() }()
	t.Cleanup(func() {
		s.Cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) waitState(state State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.session.Snapshot().State == state }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) waitFrame(conn string, match func(map[string]any) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, f := range h.rec.frames(conn) {
			if match(f) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

func hasType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func hasEvent(event string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["event"] == event }
}

func indexOf(writes []recordedWrite, conn, needle string) int {
	for i, w := range writes {
		if w.conn == conn && strings.Contains(w.data, needle) {
			return i
		}
	}
	return -1
}
