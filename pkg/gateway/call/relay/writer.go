package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type outboundFrame struct {
	payload []byte

	// agentAudio frames belong to audio generation audioGen and are skipped
	// once an interruption has moved past it.
	agentAudio bool
	audioGen   uint64

	// done, when set, receives the write result or nil if the frame was skipped.
	done chan error
}

func (f outboundFrame) ack(err error) {
	if f.done == nil {
		return
	}
	select {
	case f.done <- err:
	default:
	}
}

type outboundWriter struct {
	ws           Conn
	ctx          context.Context
	writeTimeout time.Duration
	pingInterval time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isStale      func(gen uint64) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Priority frames always go first.
		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			frame := *pendingNormal
			pendingNormal = nil
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.normal:
			// Re-check priority before writing; a clear queued meanwhile must win.
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)

	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.agentAudio && w.isStale != nil && w.isStale(frame.audioGen) {
		frame.ack(nil)
		return nil
	}
	if len(frame.payload) == 0 {
		frame.ack(nil)
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		frame.ack(err)
		return err
	}
	err := w.ws.WriteMessage(websocket.TextMessage, frame.payload)
	frame.ack(err)
	return err
}
