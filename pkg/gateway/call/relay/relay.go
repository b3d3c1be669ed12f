// Package relay owns one call: the telephony connection, the backend
// connection, the audio pipe between them and the barge-in protocol. All
// session state is mutated from the single Run goroutine.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/protocol"
	"github.com/vango-go/vai-callbridge/pkg/gateway/call/upstream"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	"github.com/vango-go/vai-callbridge/pkg/gateway/report"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools/lookup"
)

const (
	maxCanceledResponses      = 64
	outboundPriorityQueueSize = 8
)

// Conn is the subset of *websocket.Conn the relay uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// ToolInvoker resolves one tool call. It must always return a Result.
type ToolInvoker interface {
	Invoke(ctx context.Context, req protocol.ToolCallRequest) lookup.Result
}

// Reporter accepts a post-call summary without blocking.
type Reporter interface {
	Report(s report.Summary) bool
}

type Config struct {
	PendingMediaFrames int
	OutboundQueueSize  int
	BackpressureGrace  time.Duration
	WriteTimeout       time.Duration
	PingInterval       time.Duration
	MaxCallDuration    time.Duration
	MaxConcurrentTools int
}

type Dependencies struct {
	Telephony   Conn
	DialBackend func(ctx context.Context) (Conn, error)
	Session     protocol.SessionConfig
	Tools       ToolInvoker
	Reporter    Reporter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	SessionID   string
	Config      Config
	Now         func() time.Time
}

type Session struct {
	telephony   Conn
	dialBackend func(ctx context.Context) (Conn, error)
	sessionCfg  protocol.SessionConfig
	tools       ToolInvoker
	reporter    Reporter
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sessionID   string
	cfg         Config
	now         func() time.Time
	startedAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	telephonyPriority chan outboundFrame
	telephonyNormal   chan outboundFrame
	backendPriority   chan outboundFrame
	backendNormal     chan outboundFrame

	// audioGen is bumped on every interruption; queued agent audio from an
	// older generation is dropped by the telephony writer.
	audioGen atomic.Uint64

	toolSem     *semaphore.Weighted
	toolResults chan toolResult
	toolWG      sync.WaitGroup
	dialWG      sync.WaitGroup

	snapshot atomic.Pointer[Snapshot]

	// Owned by the Run goroutine.
	state             State
	backend           Conn
	streamID          string
	callID            string
	agentSpeaking     bool
	turnAudio         bool
	marksSent         int
	lastMark          string
	currentResponseID string
	canceledResponses []string
	pendingMedia      []string
	pendingTools      map[int]int
	turnSeq           int
}

type inboundFrame struct {
	data []byte
	err  error
}

type dialResult struct {
	conn Conn
	err  error
}

type toolResult struct {
	turn   int
	result lookup.Result
}

func New(deps Dependencies) (*Session, error) {
	if deps.Telephony == nil {
		return nil, fmt.Errorf("telephony connection is required")
	}
	if deps.DialBackend == nil {
		return nil, fmt.Errorf("backend dialer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.PendingMediaFrames <= 0 {
		deps.Config.PendingMediaFrames = 200
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 256
	}
	if deps.Config.BackpressureGrace <= 0 {
		deps.Config.BackpressureGrace = 2 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.MaxConcurrentTools <= 0 {
		deps.Config.MaxConcurrentTools = 4
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		telephony:         deps.Telephony,
		dialBackend:       deps.DialBackend,
		sessionCfg:        deps.Session,
		tools:             deps.Tools,
		reporter:          deps.Reporter,
		metrics:           deps.Metrics,
		logger:            deps.Logger.With("session_id", deps.SessionID),
		sessionID:         deps.SessionID,
		cfg:               deps.Config,
		now:               deps.Now,
		startedAt:         deps.Now(),
		ctx:               ctx,
		cancel:            cancel,
		telephonyPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		telephonyNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		backendPriority:   make(chan outboundFrame, outboundPriorityQueueSize),
		backendNormal:     make(chan outboundFrame, deps.Config.OutboundQueueSize),
		toolSem:           semaphore.NewWeighted(int64(deps.Config.MaxConcurrentTools)),
		toolResults:       make(chan toolResult, deps.Config.MaxConcurrentTools),
		pendingTools:      make(map[int]int),
		state:             StateConnecting,
	}
	s.publish()
	return s, nil
}

// Snapshot returns the most recently published session state.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Cancel ends the session with outcome shutdown unless it already ended.
func (s *Session) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *Session) publish() {
	pendingTools := 0
	for _, n := range s.pendingTools {
		pendingTools += n
	}
	s.snapshot.Store(&Snapshot{
		SessionID:     s.sessionID,
		State:         s.state,
		StreamID:      s.streamID,
		CallID:        s.callID,
		AgentSpeaking: s.agentSpeaking,
		LastMark:      s.lastMark,
		PendingMedia:  len(s.pendingMedia),
		PendingTools:  pendingTools,
	})
}

// Run relays until either connection closes, a fatal error occurs, the
// maximum call duration elapses, or Cancel is called. It returns nil for
// expected endings.
func (s *Session) Run() error {
	defer s.cancel()
	s.metrics.RecordSessionStart()
	s.logger.Info("call session started")

	telephonyIn := make(chan inboundFrame, 64)
	go readLoop(s.ctx, s.telephony, telephonyIn)
	telephonyWriterErr := s.startWriter(s.telephony, s.telephonyPriority, s.telephonyNormal, s.isStaleAudio)

	dialCh := make(chan dialResult, 1)
	s.dialWG.Add(1)
	go s.dial(dialCh)

	var maxDuration <-chan time.Time
	if s.cfg.MaxCallDuration > 0 {
		timer := time.NewTimer(s.cfg.MaxCallDuration)
		defer timer.Stop()
		maxDuration = timer.C
	}

	var (
		backendIn        chan inboundFrame
		backendWriterErr <-chan error
		outcome          Outcome
		cause            error
	)

	for outcome == "" {
		select {
		case <-s.ctx.Done():
			outcome = OutcomeShutdown

		case <-maxDuration:
			s.logger.Info("maximum call duration reached", "max_call_duration", s.cfg.MaxCallDuration)
			outcome = OutcomeMaxDuration

		case res := <-dialCh:
			dialCh = nil
			if res.err != nil {
				outcome, cause = OutcomeBackendUnavailable, res.err
				break
			}
			backendIn = make(chan inboundFrame, 64)
			backendWriterErr = s.activate(res.conn, backendIn)

		case in := <-telephonyIn:
			if in.err != nil {
				if isClosedErr(in.err) {
					s.logger.Info("telephony connection closed")
					outcome = OutcomeCompleted
				} else {
					outcome, cause = OutcomeTransportError, fmt.Errorf("telephony read: %w", in.err)
				}
				break
			}
			outcome, cause = s.handleTelephony(in.data)

		case in := <-backendIn:
			if in.err != nil {
				if isClosedErr(in.err) {
					s.logger.Info("backend connection closed")
					outcome = OutcomeBackendClosed
				} else {
					outcome, cause = OutcomeBackendUnavailable, fmt.Errorf("%w: read: %v", upstream.ErrBackendUnavailable, in.err)
				}
				break
			}
			outcome, cause = s.handleBackend(in.data)

		case err := <-telephonyWriterErr:
			telephonyWriterErr = nil
			if err != nil && !isClosedErr(err) {
				outcome, cause = OutcomeTransportError, fmt.Errorf("telephony write: %w", err)
			} else {
				outcome = OutcomeCompleted
			}

		case err := <-backendWriterErr:
			backendWriterErr = nil
			if err != nil && !isClosedErr(err) {
				outcome, cause = OutcomeBackendUnavailable, fmt.Errorf("%w: write: %v", upstream.ErrBackendUnavailable, err)
			} else {
				outcome = OutcomeBackendClosed
			}

		case res := <-s.toolResults:
			outcome, cause = s.handleToolResult(res)
		}
		s.publish()
	}

	s.teardown(outcome, cause, dialCh, telephonyWriterErr, backendWriterErr)
	if cause != nil && !isClosedErr(cause) {
		return cause
	}
	return nil
}

func (s *Session) dial(out chan<- dialResult) {
	defer s.dialWG.Done()
	conn, err := s.dialBackend(s.ctx)
	if err != nil {
		out <- dialResult{err: err}
		return
	}
	out <- dialResult{conn: conn}
}

// activate moves the session to Active: the backend gets the session
// configuration first, then any caller audio buffered while connecting.
func (s *Session) activate(conn Conn, backendIn chan inboundFrame) <-chan error {
	s.backend = conn
	s.state = StateActive
	go readLoop(s.ctx, conn, backendIn)
	writerErr := s.startWriter(conn, s.backendPriority, s.backendNormal, nil)

	s.logger.Info("backend connected", "pending_media", len(s.pendingMedia))
	if err := s.sendBackend(protocol.SessionUpdate{Session: s.sessionCfg}); err != nil {
		s.logger.Warn("session configuration not sent", "error", err)
	}
	for _, payload := range s.pendingMedia {
		if err := s.sendBackend(protocol.AudioAppend{Payload: payload}); err != nil {
			s.logger.Warn("buffered media not sent", "error", err)
			break
		}
		s.metrics.RecordFrame("inbound")
	}
	s.pendingMedia = nil
	return writerErr
}

func (s *Session) startWriter(conn Conn, priority, normal chan outboundFrame, isStale func(uint64) bool) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           conn,
			ctx:          s.ctx,
			writeTimeout: s.cfg.WriteTimeout,
			pingInterval: s.cfg.PingInterval,
			priority:     priority,
			normal:       normal,
			isStale:      isStale,
		}
		errCh <- w.Run()
		close(errCh)
	}()
	return errCh
}

func readLoop(ctx context.Context, conn Conn, out chan<- inboundFrame) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) handleTelephony(data []byte) (Outcome, error) {
	frame, err := protocol.DecodeTelephony(data)
	if err != nil {
		s.metrics.RecordMalformed(protocol.SideTelephony)
		s.logger.Debug("dropping malformed telephony frame", "error", err)
		return "", nil
	}

	switch f := frame.(type) {
	case protocol.StartSession:
		if s.streamID != "" {
			s.logger.Debug("duplicate start ignored", "stream_id", f.StreamID)
			return "", nil
		}
		s.streamID = f.StreamID
		s.callID = f.CallID
		s.logger = s.logger.With("stream_id", f.StreamID, "call_id", f.CallID)
		s.logger.Info("media stream started", "media_format", f.MediaFormat.Encoding)

	case protocol.MediaFrame:
		if s.state == StateConnecting {
			if len(s.pendingMedia) >= s.cfg.PendingMediaFrames {
				s.pendingMedia = s.pendingMedia[1:]
				s.metrics.RecordDropped("pending_overflow")
			}
			s.pendingMedia = append(s.pendingMedia, f.Audio.Payload)
			return "", nil
		}
		if err := s.sendBackend(protocol.AudioAppend{Payload: f.Audio.Payload}); err != nil {
			return s.backendSendFailed(err)
		}
		s.metrics.RecordFrame("inbound")

	case protocol.StopSession:
		s.logger.Info("media stream stopped")
		return OutcomeCompleted, nil

	case protocol.PlaybackMark:
		s.lastMark = f.Name
		s.logger.Debug("agent playback reached mark", "mark", f.Name)

	case protocol.TelephonyOther:
		s.logger.Debug("ignoring telephony event", "event", f.Event)
	}
	return "", nil
}

func (s *Session) handleBackend(data []byte) (Outcome, error) {
	ev, err := protocol.DecodeBackend(data)
	if err != nil {
		s.metrics.RecordMalformed(protocol.SideBackend)
		s.logger.Debug("dropping malformed backend event", "error", err)
		return "", nil
	}

	switch e := ev.(type) {
	case protocol.SessionReady:
		s.logger.Debug("backend session configured")

	case protocol.AudioDelta:
		if e.ResponseID != "" && s.isCanceledResponse(e.ResponseID) {
			s.metrics.RecordDropped("canceled_response")
			return "", nil
		}
		s.agentSpeaking = true
		s.currentResponseID = e.ResponseID
		if s.streamID == "" {
			s.metrics.RecordDropped("no_stream_id")
			return "", nil
		}
		payload, err := protocol.EncodeTelephony(protocol.OutboundMedia{StreamID: s.streamID, Payload: e.Audio.Payload})
		if err != nil {
			s.logger.Warn("encode telephony media failed", "error", err)
			return "", nil
		}
		if err := s.enqueueNormal(s.telephonyNormal, outboundFrame{payload: payload, agentAudio: true, audioGen: s.audioGen.Load()}); err != nil {
			if errors.Is(err, ErrBackpressure) {
				return OutcomeTelephonyBackpressure, err
			}
			return OutcomeShutdown, nil
		}
		s.turnAudio = true
		s.metrics.RecordFrame("outbound")

	case protocol.SpeechStarted:
		if !s.agentSpeaking {
			return "", nil
		}
		s.interrupt()

	case protocol.TurnComplete:
		if s.turnAudio {
			if outcome, err := s.sendMark(e.ResponseID); outcome != "" {
				return outcome, err
			}
		}
		for i := 0; i < e.SkippedToolCalls; i++ {
			s.metrics.RecordDropped("tool_call_without_id")
		}
		if e.SkippedToolCalls > 0 {
			s.logger.Warn("tool calls without call id skipped", "count", e.SkippedToolCalls, "response_id", e.ResponseID)
		}
		if len(e.ToolCalls) > 0 {
			s.dispatchTools(e.ToolCalls)
		}

	case protocol.BackendError:
		s.metrics.RecordBackendError(e.Code)
		s.logger.Warn("backend error event",
			"type", e.Type,
			"code", e.Code,
			"message", e.Message,
			"param", e.Param,
		)

	case protocol.BackendOther:
	}
	return "", nil
}

// interrupt runs the barge-in sequence: cancel the backend turn, then clear
// the caller's playback buffer. The clear is not queued until the cancel has
// been written.
func (s *Session) interrupt() {
	s.audioGen.Add(1)
	if s.currentResponseID != "" {
		s.markCanceledResponse(s.currentResponseID)
	}

	payload, err := protocol.EncodeBackend(protocol.ResponseCancel{})
	if err == nil {
		done := make(chan error, 1)
		if err := s.enqueuePriority(s.backendPriority, outboundFrame{payload: payload, done: done}); err != nil {
			s.logger.Warn("response cancel not queued", "error", err)
		} else {
			s.awaitWrite(done)
		}
	}

	if s.streamID != "" {
		clearFrame, err := protocol.EncodeTelephony(protocol.Clear{StreamID: s.streamID})
		if err == nil {
			if err := s.enqueuePriority(s.telephonyPriority, outboundFrame{payload: clearFrame}); err != nil {
				s.logger.Warn("clear not queued", "error", err)
			}
		}
	} else {
		s.metrics.RecordDropped("no_stream_id")
	}

	s.agentSpeaking = false
	s.turnAudio = false
	s.metrics.RecordInterruption()
	s.logger.Debug("caller barge-in", "response_id", s.currentResponseID)
}

// sendMark queues a playback marker behind the audio of the turn that just
// ended. It shares the turn's audio generation, so a barge-in drops it too.
func (s *Session) sendMark(responseID string) (Outcome, error) {
	s.turnAudio = false
	s.marksSent++
	name := responseID
	if name == "" {
		name = fmt.Sprintf("turn_%d", s.marksSent)
	}
	payload, err := protocol.EncodeTelephony(protocol.Mark{StreamID: s.streamID, Name: name})
	if err != nil {
		s.logger.Warn("encode telephony mark failed", "error", err)
		return "", nil
	}
	if err := s.enqueueNormal(s.telephonyNormal, outboundFrame{payload: payload, agentAudio: true, audioGen: s.audioGen.Load()}); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return OutcomeTelephonyBackpressure, err
		}
		return OutcomeShutdown, nil
	}
	return "", nil
}

func (s *Session) awaitWrite(done <-chan error) {
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("response cancel write failed", "error", err)
		}
	case <-timer.C:
		s.logger.Warn("response cancel write timed out")
	case <-s.ctx.Done():
	}
}

func (s *Session) dispatchTools(calls []protocol.ToolCallRequest) {
	s.turnSeq++
	turn := s.turnSeq
	s.pendingTools[turn] = len(calls)
	for _, call := range calls {
		s.toolWG.Add(1)
		go s.runTool(turn, call)
	}
}

func (s *Session) runTool(turn int, call protocol.ToolCallRequest) {
	defer s.toolWG.Done()

	res := s.invokeTool(call)
	res.CallID = call.CallID

	select {
	case s.toolResults <- toolResult{turn: turn, result: res}:
	case <-s.ctx.Done():
	}
}

func (s *Session) invokeTool(call protocol.ToolCallRequest) lookup.Result {
	if s.tools == nil {
		return lookup.Failure(call, lookup.CodeUnconfigured, "no tool gateway configured")
	}
	if err := s.toolSem.Acquire(s.ctx, 1); err != nil {
		return lookup.Failure(call, lookup.CodeSessionClosed, "session closed before lookup")
	}
	defer s.toolSem.Release(1)
	return s.tools.Invoke(s.ctx, call)
}

func (s *Session) handleToolResult(res toolResult) (Outcome, error) {
	err := s.sendBackend(protocol.FunctionCallOutput{CallID: res.result.CallID, Output: res.result.Output()})
	if err != nil {
		return s.backendSendFailed(err)
	}

	s.pendingTools[res.turn]--
	if s.pendingTools[res.turn] > 0 {
		return "", nil
	}
	delete(s.pendingTools, res.turn)
	if err := s.sendBackend(protocol.ResponseCreate{}); err != nil {
		return s.backendSendFailed(err)
	}
	return "", nil
}

func (s *Session) sendBackend(frame any) error {
	payload, err := protocol.EncodeBackend(frame)
	if err != nil {
		return err
	}
	return s.enqueueNormal(s.backendNormal, outboundFrame{payload: payload})
}

func (s *Session) backendSendFailed(err error) (Outcome, error) {
	switch {
	case errors.Is(err, ErrBackpressure):
		return OutcomeBackendUnavailable, fmt.Errorf("%w: %v", upstream.ErrBackendUnavailable, err)
	case errors.Is(err, ErrTransportClosed):
		return OutcomeShutdown, nil
	case errors.Is(err, protocol.ErrMalformedFrame):
		s.logger.Warn("outbound backend frame rejected", "error", err)
		return "", nil
	default:
		return OutcomeTransportError, err
	}
}

// enqueueNormal blocks for at most the backpressure grace period.
func (s *Session) enqueueNormal(q chan outboundFrame, frame outboundFrame) error {
	select {
	case q <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.BackpressureGrace)
	defer timer.Stop()
	select {
	case q <- frame:
		return nil
	case <-timer.C:
		return ErrBackpressure
	case <-s.ctx.Done():
		return ErrTransportClosed
	}
}

// enqueuePriority evicts older priority frames rather than block.
func (s *Session) enqueuePriority(q chan outboundFrame, frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case q <- frame:
			return nil
		default:
		}
		select {
		case old := <-q:
			old.ack(ErrBackpressure)
		default:
		}
	}
	select {
	case q <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *Session) isStaleAudio(gen uint64) bool {
	return gen < s.audioGen.Load()
}

func (s *Session) markCanceledResponse(id string) {
	if s.isCanceledResponse(id) {
		return
	}
	s.canceledResponses = append(s.canceledResponses, id)
	if len(s.canceledResponses) > maxCanceledResponses {
		s.canceledResponses = s.canceledResponses[1:]
	}
}

func (s *Session) isCanceledResponse(id string) bool {
	for _, c := range s.canceledResponses {
		if c == id {
			return true
		}
	}
	return false
}

func (s *Session) teardown(outcome Outcome, cause error, dialCh <-chan dialResult, writerErrs ...<-chan error) {
	s.state = StateClosing
	s.publish()
	s.cancel()

	wait := 100 * time.Millisecond
	if s.cfg.WriteTimeout < wait {
		wait = s.cfg.WriteTimeout
	}
	deadline := time.Now().Add(wait)
	for _, ch := range writerErrs {
		if ch == nil {
			continue
		}
		timer := time.NewTimer(time.Until(deadline))
		select {
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}

	_ = s.telephony.Close()
	if s.backend != nil {
		_ = s.backend.Close()
	}

	endedAt := s.now()
	duration := endedAt.Sub(s.startedAt)
	if s.reporter != nil {
		s.reporter.Report(report.Summary{
			SessionID: s.sessionID,
			CallID:    s.callID,
			StreamID:  s.streamID,
			StartedAt: s.startedAt,
			EndedAt:   endedAt,
			Outcome:   string(outcome),
		})
	}
	s.metrics.RecordSessionEnd(string(outcome), duration)

	logArgs := []any{"outcome", outcome, "duration", duration.Round(time.Millisecond)}
	switch {
	case cause == nil || isClosedErr(cause):
		s.logger.Info("call session ended", logArgs...)
	default:
		s.logger.Warn("call session ended", append(logArgs, "error", cause)...)
	}

	s.state = StateClosed
	s.publish()

	// A dial that raced teardown leaves an unowned connection behind.
	s.dialWG.Wait()
	if dialCh != nil {
		select {
		case res := <-dialCh:
			if res.conn != nil {
				_ = res.conn.Close()
			}
		default:
		}
	}
	s.toolWG.Wait()
}
