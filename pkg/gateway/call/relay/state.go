package relay

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// State is the lifecycle phase of a call session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the reported reason a call session ended.
type Outcome string

const (
	OutcomeCompleted             Outcome = "completed"
	OutcomeBackendClosed         Outcome = "backend_closed"
	OutcomeBackendUnavailable    Outcome = "backend_unavailable"
	OutcomeTelephonyBackpressure Outcome = "telephony_backpressure"
	OutcomeTransportError        Outcome = "transport_error"
	OutcomeMaxDuration           Outcome = "max_duration"
	OutcomeShutdown              Outcome = "shutdown"
)

var (
	// ErrTransportClosed is the expected terminal condition of a connection.
	ErrTransportClosed = errors.New("transport closed")
	// ErrBackpressure means an outbound queue stayed full beyond the grace period.
	ErrBackpressure = errors.New("outbound backpressure")
)

// Snapshot is a read-only view of session state, published after every event.
// LastMark is the most recent playback marker echoed by the telephony side.
type Snapshot struct {
	SessionID     string
	State         State
	StreamID      string
	CallID        string
	AgentSpeaking bool
	LastMark      string
	PendingMedia  int
	PendingTools  int
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransportClosed) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
