package relay

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/upstream"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tools/lookup"
)

const (
	startS1   = `{"event":"start","streamSid":"S1","start":{"streamSid":"S1","callSid":"CA1"}}`
	mediaA    = `{"event":"media","streamSid":"S1","media":{"payload":"QQ=="}}`
	deltaB    = `{"type":"response.audio.delta","response_id":"resp_1","delta":"Qg=="}`
	speechGo  = `{"type":"input_audio_buffer.speech_started","item_id":"item_1"}`
	stopEvent = `{"event":"stop","streamSid":"S1"}`
)

func TestBargeIn_CancelPrecedesClear(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)

	h.telephony.send(t, startS1)
	h.telephony.send(t, mediaA)
	h.waitFrame("backend", func(m map[string]any) bool {
		return m["type"] == "input_audio_buffer.append" && m["audio"] == "QQ=="
	})

	h.backend.send(t, deltaB)
	h.waitFrame("telephony", func(m map[string]any) bool {
		media, _ := m["media"].(map[string]any)
		return m["event"] == "media" && m["streamSid"] == "S1" && media["payload"] == "Qg=="
	})
	require.Eventually(t, func() bool { return h.session.Snapshot().AgentSpeaking }, time.Second, 5*time.Millisecond)

	h.backend.send(t, speechGo)
	h.waitFrame("telephony", hasEvent("clear"))

	writes := h.rec.snapshot()
	cancelAt := indexOf(writes, "backend", `"type":"response.cancel"`)
	clearAt := indexOf(writes, "telephony", `{"event":"clear","streamSid":"S1"}`)
	if cancelAt < 0 || clearAt < 0 {
		t.Fatalf("cancel=%d clear=%d, want both written: %+v", cancelAt, clearAt, writes)
	}
	if cancelAt > clearAt {
		t.Fatalf("cancel written at %d after clear at %d", cancelAt, clearAt)
	}
	require.Eventually(t, func() bool { return !h.session.Snapshot().AgentSpeaking }, time.Second, 5*time.Millisecond)
}

func TestBargeIn_LateDeltaOfCanceledResponseDropped(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)
	h.backend.send(t, deltaB)
	h.waitFrame("telephony", hasEvent("media"))
	h.backend.send(t, speechGo)
	h.waitFrame("telephony", hasEvent("clear"))

	// Late chunk from the canceled response, then a fresh response.
	h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_1","delta":"TEFURQ=="}`)
	h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_2","delta":"TkVX"}`)
	h.waitFrame("telephony", func(m map[string]any) bool {
		media, _ := m["media"].(map[string]any)
		return media["payload"] == "TkVX"
	})

	writes := h.rec.snapshot()
	clearAt := indexOf(writes, "telephony", `"event":"clear"`)
	for i, w := range writes[clearAt+1:] {
		if w.conn == "telephony" && strings.Contains(w.data, "TEFURQ==") {
			t.Fatalf("stale audio forwarded after clear at %d: %s", clearAt+1+i, w.data)
		}
	}
	require.Eventually(t, func() bool { return h.session.Snapshot().AgentSpeaking }, time.Second, 5*time.Millisecond)
}

func TestBargeIn_QueuedAudioNeverFollowsClear(t *testing.T) {
	h := startHarness(t, harnessOptions{blockTelephony: true})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)

	for _, p := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
		h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_1","delta":"`+p+`"}`)
	}
	h.backend.send(t, speechGo)
	h.waitFrame("backend", hasType("response.cancel"))

	close(h.telephony.block)
	h.waitFrame("telephony", hasEvent("clear"))

	h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_2","delta":"RUVF"}`)
	h.waitFrame("telephony", func(m map[string]any) bool {
		media, _ := m["media"].(map[string]any)
		return media["payload"] == "RUVF"
	})

	writes := h.rec.snapshot()
	clearAt := indexOf(writes, "telephony", `"event":"clear"`)
	for i, w := range writes[clearAt+1:] {
		if w.conn != "telephony" {
			continue
		}
		for _, p := range []string{"AAAA", "BBBB", "CCCC", "DDDD"} {
			if strings.Contains(w.data, p) {
				t.Fatalf("canceled audio written at %d after clear at %d: %s", clearAt+1+i, clearAt, w.data)
			}
		}
	}
}

func TestTurnEndSendsPlaybackMark(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)

	h.backend.send(t, deltaB)
	h.backend.send(t, `{"type":"response.done","response":{"id":"resp_1","status":"completed","output":[]}}`)
	h.waitFrame("telephony", hasEvent("mark"))

	writes := h.rec.snapshot()
	mediaAt := indexOf(writes, "telephony", `"payload":"Qg=="`)
	markAt := indexOf(writes, "telephony", `{"event":"mark","streamSid":"S1","mark":{"name":"resp_1"}}`)
	if mediaAt < 0 || markAt < mediaAt {
		t.Fatalf("media=%d mark=%d, want mark after the turn's audio", mediaAt, markAt)
	}

	h.telephony.send(t, `{"event":"mark","streamSid":"S1","mark":{"name":"resp_1"}}`)
	require.Eventually(t, func() bool { return h.session.Snapshot().LastMark == "resp_1" }, time.Second, 5*time.Millisecond)
	if !h.session.Snapshot().AgentSpeaking {
		t.Fatal("playback mark cleared AgentSpeaking")
	}

	// A turn without audio gets no mark.
	h.backend.send(t, `{"type":"response.done","response":{"id":"resp_2","status":"completed","output":[]}}`)
	h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_3","delta":"TkVX"}`)
	h.waitFrame("telephony", func(m map[string]any) bool {
		media, _ := m["media"].(map[string]any)
		return media["payload"] == "TkVX"
	})
	if at := indexOf(h.rec.snapshot(), "telephony", `"name":"resp_2"`); at >= 0 {
		t.Fatalf("mark sent for a turn without audio at %d", at)
	}
}

func TestInterruptedTurnGetsNoMark(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)

	h.backend.send(t, deltaB)
	h.waitFrame("telephony", hasEvent("media"))
	h.backend.send(t, speechGo)
	h.waitFrame("telephony", hasEvent("clear"))
	h.backend.send(t, `{"type":"response.done","response":{"id":"resp_1","status":"cancelled","output":[]}}`)
	h.backend.send(t, `{"type":"response.audio.delta","response_id":"resp_2","delta":"TkVX"}`)
	h.waitFrame("telephony", func(m map[string]any) bool {
		media, _ := m["media"].(map[string]any)
		return media["payload"] == "TkVX"
	})

	if at := indexOf(h.rec.snapshot(), "telephony", `"event":"mark"`); at >= 0 {
		t.Fatalf("mark sent for an interrupted turn at %d", at)
	}
}

func TestSpeechStartedWhileSilentDoesNothing(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)
	h.backend.send(t, speechGo)
	h.telephony.send(t, mediaA)
	h.waitFrame("backend", hasType("input_audio_buffer.append"))

	for _, w := range h.rec.snapshot() {
		if strings.Contains(w.data, "response.cancel") || strings.Contains(w.data, `"clear"`) {
			t.Fatalf("unexpected interruption frame: %s", w.data)
		}
	}
}

func TestAudioDeltaBeforeStartIsNeverMisaddressed(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.audio.delta","delta":"RUFSTFk="}`)
	h.backend.send(t, speechGo)
	h.telephony.send(t, mediaA)
	h.waitFrame("backend", hasType("input_audio_buffer.append"))

	h.telephony.send(t, startS1)
	h.backend.send(t, `{"type":"response.audio.delta","delta":"TEFURQ=="}`)
	h.waitFrame("telephony", hasEvent("media"))

	for _, f := range h.rec.frames("telephony") {
		if f["streamSid"] != "S1" {
			t.Fatalf("telephony frame with streamSid=%v: %v", f["streamSid"], f)
		}
		if media, ok := f["media"].(map[string]any); ok && media["payload"] == "RUFSTFk=" {
			t.Fatal("audio received before start was forwarded")
		}
	}
}

func TestStartSessionIsIdempotent(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.telephony.send(t, startS1)
	require.Eventually(t, func() bool { return h.session.Snapshot().StreamID == "S1" }, time.Second, 5*time.Millisecond)
	before := h.session.Snapshot()

	h.telephony.send(t, startS1)
	h.telephony.send(t, `{"event":"start","start":{"streamSid":"S2","callSid":"CA2"}}`)
	h.telephony.send(t, `{"event":"connected","protocol":"Call"}`)
	h.waitState(StateActive)
	h.telephony.send(t, mediaA)
	h.waitFrame("backend", hasType("input_audio_buffer.append"))

	after := h.session.Snapshot()
	if after.StreamID != before.StreamID || after.CallID != before.CallID {
		t.Fatalf("after second start stream/call=%q/%q, want %q/%q", after.StreamID, after.CallID, before.StreamID, before.CallID)
	}
}

func TestMediaBufferedUntilActive(t *testing.T) {
	h := startHarness(t, harnessOptions{gateDial: true, cfg: Config{PendingMediaFrames: 2}})
	h.telephony.send(t, startS1)
	for _, p := range []string{"QQ==", "Qg==", "Qw=="} {
		h.telephony.send(t, `{"event":"media","streamSid":"S1","media":{"payload":"`+p+`"}}`)
	}
	require.Eventually(t, func() bool { return h.session.Snapshot().PendingMedia == 2 }, time.Second, 5*time.Millisecond)
	if got := h.session.Snapshot().State; got != StateConnecting {
		t.Fatalf("State=%v, want connecting", got)
	}

	close(h.dialGate)
	waitForWrites(t, h.rec, 3)

	frames := h.rec.frames("backend")
	if frames[0]["type"] != "session.update" {
		t.Fatalf("first backend frame=%v, want session.update", frames[0])
	}
	session, _ := frames[0]["session"].(map[string]any)
	if session["voice"] != "alloy" || session["input_audio_format"] != "g711_ulaw" {
		t.Fatalf("session.update body=%v", session)
	}
	if frames[1]["audio"] != "Qg==" || frames[2]["audio"] != "Qw==" {
		t.Fatalf("flushed media=%v %v, want oldest dropped", frames[1], frames[2])
	}
}

func TestTwoToolCallsResumeOnce(t *testing.T) {
	tools := &fakeInvoker{release: map[string]chan struct{}{
		"c1": make(chan struct{}),
		"c2": make(chan struct{}),
	}}
	h := startHarness(t, harnessOptions{tools: tools})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.done","response":{"id":"resp_1","status":"completed","output":[`+
		`{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{}"},`+
		`{"type":"function_call","call_id":"c2","name":"lookup","arguments":"{}"}]}}`)

	// Both invocations are in flight at once.
	require.Eventually(t, func() bool { return tools.callCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.session.Snapshot().PendingTools == 2 }, time.Second, 5*time.Millisecond)

	close(tools.release["c2"])
	h.waitFrame("backend", hasType("conversation.item.create"))
	for _, f := range h.rec.frames("backend") {
		if f["type"] == "response.create" {
			t.Fatal("response.create sent before all tool calls resolved")
		}
	}
	close(tools.release["c1"])
	h.waitFrame("backend", hasType("response.create"))

	var outputs []string
	creates := 0
	for _, f := range h.rec.frames("backend") {
		switch f["type"] {
		case "conversation.item.create":
			if creates > 0 {
				t.Fatal("function output after response.create")
			}
			item, _ := f["item"].(map[string]any)
			if item["type"] != "function_call_output" {
				t.Fatalf("item=%v", item)
			}
			outputs = append(outputs, item["call_id"].(string))
		case "response.create":
			creates++
		}
	}
	if len(outputs) != 2 || outputs[0] != "c2" || outputs[1] != "c1" {
		t.Fatalf("outputs=%v, want [c2 c1]", outputs)
	}
	if creates != 1 {
		t.Fatalf("response.create count=%d, want 1", creates)
	}
}

func TestToolConcurrencyIsCapped(t *testing.T) {
	ids := []string{"c1", "c2", "c3", "c4", "c5"}
	tools := &fakeInvoker{release: map[string]chan struct{}{}}
	var items []string
	for _, id := range ids {
		tools.release[id] = make(chan struct{})
		items = append(items, `{"type":"function_call","call_id":"`+id+`","name":"lookup","arguments":"{}"}`)
	}
	h := startHarness(t, harnessOptions{tools: tools, cfg: Config{MaxConcurrentTools: 2}})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.done","response":{"id":"resp_1","output":[`+strings.Join(items, ",")+`]}}`)
	require.Eventually(t, func() bool { return tools.callCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return tools.callCount() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
	if got := h.session.Snapshot().PendingTools; got != len(ids) {
		t.Fatalf("PendingTools=%d, want %d", got, len(ids))
	}

	for _, id := range ids {
		close(tools.release[id])
	}
	h.waitFrame("backend", hasType("response.create"))

	outputs, creates := 0, 0
	for _, f := range h.rec.frames("backend") {
		switch f["type"] {
		case "conversation.item.create":
			outputs++
		case "response.create":
			creates++
		}
	}
	if outputs != len(ids) || creates != 1 {
		t.Fatalf("outputs=%d creates=%d, want %d and 1", outputs, creates, len(ids))
	}
	if got := tools.peak(); got > 2 {
		t.Fatalf("peak concurrent lookups=%d, want <= 2", got)
	}
}

func TestToolCallWithoutIDDoesNotBlockSiblings(t *testing.T) {
	tools := &fakeInvoker{}
	h := startHarness(t, harnessOptions{tools: tools})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.done","response":{"output":[`+
		`{"type":"function_call","name":"lookup","arguments":"{}"},`+
		`{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{}"}]}}`)
	h.waitFrame("backend", hasType("response.create"))

	writes := h.rec.snapshot()
	outputAt := indexOf(writes, "backend", `"call_id":"c1"`)
	createAt := indexOf(writes, "backend", `"type":"response.create"`)
	if outputAt < 0 || createAt < outputAt {
		t.Fatalf("output=%d create=%d, want c1 answered before resume", outputAt, createAt)
	}
	if got := tools.callCount(); got != 1 {
		t.Fatalf("invocations=%d, want 1", got)
	}
}

func TestFailedToolCallStillAnswered(t *testing.T) {
	tools := &fakeInvoker{fail: map[string]string{"c1": lookup.CodeTimeout}}
	h := startHarness(t, harnessOptions{tools: tools})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.done","response":{"output":[{"type":"function_call","call_id":"c1","name":"lookup","arguments":"{}"}]}}`)
	h.waitFrame("backend", hasType("response.create"))

	writes := h.rec.snapshot()
	at := indexOf(writes, "backend", `"call_id":"c1"`)
	if at < 0 || !strings.Contains(writes[at].data, lookup.CodeTimeout) {
		t.Fatalf("function output missing failure marker: %+v", writes)
	}
}

func TestToolCallsWithoutGatewayFail(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)

	h.backend.send(t, `{"type":"response.done","response":{"output":[{"type":"function_call","call_id":"c9","name":"lookup"}]}}`)
	h.waitFrame("backend", hasType("response.create"))
	writes := h.rec.snapshot()
	if at := indexOf(writes, "backend", lookup.CodeUnconfigured); at < 0 {
		t.Fatalf("no %s output: %+v", lookup.CodeUnconfigured, writes)
	}
}

func TestTelephonyCloseTearsDownAndReports(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	h := startHarness(t, harnessOptions{now: clock})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)
	require.Eventually(t, func() bool { return h.session.Snapshot().CallID == "CA1" }, time.Second, 5*time.Millisecond)

	mu.Lock()
	now = now.Add(42 * time.Second)
	mu.Unlock()
	h.telephony.hangup()

	if err := h.wait(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !h.backend.isClosed() {
		t.Fatal("backend connection left open")
	}
	if got := h.session.Snapshot().State; got != StateClosed {
		t.Fatalf("State=%v, want closed", got)
	}

	reports := h.reporter.snapshot()
	if len(reports) != 1 {
		t.Fatalf("reports=%d, want 1", len(reports))
	}
	r := reports[0]
	if r.CallID != "CA1" || r.StreamID != "S1" || r.Outcome != string(OutcomeCompleted) {
		t.Fatalf("report=%+v", r)
	}
	if d := r.EndedAt.Sub(r.StartedAt); d != 42*time.Second {
		t.Fatalf("duration=%v, want 42s", d)
	}

	// Closed is absorbing.
	count := len(h.rec.snapshot())
	select {
	case h.backend.in <- []byte(deltaB):
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(h.rec.snapshot()); got != count {
		t.Fatalf("writes after close=%d, want %d", got, count)
	}
}

func TestStopEventCompletesCall(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)
	h.telephony.send(t, stopEvent)

	require.NoError(t, h.wait())
	require.True(t, h.telephony.isClosed())
	require.True(t, h.backend.isClosed())
	require.Equal(t, string(OutcomeCompleted), h.reporter.snapshot()[0].Outcome)
}

func TestBackendCloseClosesTelephony(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.backend.hangup()

	require.NoError(t, h.wait())
	require.True(t, h.telephony.isClosed())
	require.Equal(t, string(OutcomeBackendClosed), h.reporter.snapshot()[0].Outcome)
}

func TestBackendUnavailable(t *testing.T) {
	dialErr := errors.Join(upstream.ErrBackendUnavailable, errors.New("handshake status 401"))
	h := startHarness(t, harnessOptions{dialErr: dialErr})

	err := h.wait()
	if !errors.Is(err, upstream.ErrBackendUnavailable) {
		t.Fatalf("Run() error=%v, want ErrBackendUnavailable", err)
	}
	require.True(t, h.telephony.isClosed())
	require.Equal(t, string(OutcomeBackendUnavailable), h.reporter.snapshot()[0].Outcome)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)

	h.telephony.send(t, `not json`)
	h.telephony.send(t, `{"event":"media","streamSid":"S1","media":{}}`)
	h.backend.send(t, `{"type":"response.done","response":{"output":[{"type":"function_call","name":"x"}]}}`)
	h.backend.send(t, `{}`)
	h.telephony.send(t, mediaA)

	h.waitFrame("backend", hasType("input_audio_buffer.append"))
	if got := h.session.Snapshot().State; got != StateActive {
		t.Fatalf("State=%v, want active", got)
	}
}

func TestMaxCallDuration(t *testing.T) {
	h := startHarness(t, harnessOptions{cfg: Config{MaxCallDuration: 50 * time.Millisecond}})
	require.NoError(t, h.wait())
	require.Equal(t, string(OutcomeMaxDuration), h.reporter.snapshot()[0].Outcome)
}

func TestCancelReportsShutdown(t *testing.T) {
	h := startHarness(t, harnessOptions{})
	h.waitState(StateActive)
	h.session.Cancel()
	require.NoError(t, h.wait())
	require.Equal(t, string(OutcomeShutdown), h.reporter.snapshot()[0].Outcome)
}

func TestTelephonyBackpressureIsFatal(t *testing.T) {
	h := startHarness(t, harnessOptions{
		cfg:            Config{OutboundQueueSize: 1, BackpressureGrace: 30 * time.Millisecond},
		blockTelephony: true,
	})
	h.waitState(StateActive)
	h.telephony.send(t, startS1)

	for i := 0; i < 4; i++ {
		select {
		case h.backend.in <- []byte(deltaB):
		case <-time.After(time.Second):
		}
	}

	err := h.wait()
	if !errors.Is(err, ErrBackpressure) {
		t.Fatalf("Run() error=%v, want ErrBackpressure", err)
	}
	require.Equal(t, string(OutcomeTelephonyBackpressure), h.reporter.snapshot()[0].Outcome)
}

func TestSessionsShareNothing(t *testing.T) {
	a := startHarness(t, harnessOptions{})
	b := startHarness(t, harnessOptions{})
	a.waitState(StateActive)
	b.waitState(StateActive)

	a.telephony.hangup()
	require.NoError(t, a.wait())

	b.telephony.send(t, startS1)
	b.telephony.send(t, mediaA)
	b.waitFrame("backend", hasType("input_audio_buffer.append"))
	if got := b.session.Snapshot().State; got != StateActive {
		t.Fatalf("other session State=%v, want active", got)
	}
}
