package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackendEvent is the decoded form of an inbound realtime backend event.
type BackendEvent interface {
	backendEvent()
}

// SessionReady acknowledges the session-configuration frame.
type SessionReady struct{}

// AudioDelta is one chunk of synthesized agent audio.
type AudioDelta struct {
	Audio      AudioFrame
	ResponseID string
	ItemID     string
}

// SpeechStarted means the backend's turn detection heard the caller start talking.
type SpeechStarted struct {
	ItemID       string
	AudioStartMS int64
}

// ToolCallRequest is a function call the backend wants answered.
type ToolCallRequest struct {
	CallID       string
	Name         string
	RawArguments string
	ItemID       string
}

// Arguments decodes the JSON-encoded argument object. An empty argument
// string decodes to an empty set.
func (r ToolCallRequest) Arguments() (map[string]any, error) {
	raw := strings.TrimSpace(r.RawArguments)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a json object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// TurnComplete closes one backend response; ToolCalls keeps output order.
// A function_call item without a call id cannot be answered and is counted in
// SkippedToolCalls instead. An item without a name is kept so it still gets a
// failure result.
type TurnComplete struct {
	ResponseID       string
	Status           string
	ToolCalls        []ToolCallRequest
	SkippedToolCalls int
}

// BackendError is an error event reported by the backend on an open connection.
type BackendError struct {
	Type    string
	Code    string
	Message string
	Param   string
}

// BackendOther is any well-formed event the relay does not act on.
type BackendOther struct {
	Type string
}

func (SessionReady) backendEvent()  {}
func (AudioDelta) backendEvent()    {}
func (SpeechStarted) backendEvent() {}
func (TurnComplete) backendEvent()  {}
func (BackendError) backendEvent()  {}
func (BackendOther) backendEvent()  {}

type outputItemWire struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type backendEnvelope struct {
	Type         string `json:"type"`
	Delta        string `json:"delta,omitempty"`
	ResponseID   string `json:"response_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	AudioStartMS int64  `json:"audio_start_ms,omitempty"`
	Response     *struct {
		ID     string           `json:"id"`
		Status string           `json:"status"`
		Output []outputItemWire `json:"output"`
	} `json:"response,omitempty"`
	Output []outputItemWire `json:"output,omitempty"`
	Error  *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error,omitempty"`
}

// DecodeBackend parses one inbound realtime backend event.
func DecodeBackend(data []byte) (BackendEvent, error) {
	var env backendEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(SideBackend, "", "invalid json frame", "")
	}
	typ := strings.TrimSpace(env.Type)
	if typ == "" {
		return nil, malformed(SideBackend, "", "missing type", "type")
	}

	switch typ {
	case "session.updated":
		return SessionReady{}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStarted{ItemID: env.ItemID, AudioStartMS: env.AudioStartMS}, nil
	case "response.audio.delta", "response.output_audio.delta":
		if env.Delta == "" {
			return nil, malformed(SideBackend, typ, "delta is required", "delta")
		}
		return AudioDelta{
			Audio:      AudioFrame{Payload: env.Delta, Direction: DirectionOutbound},
			ResponseID: env.ResponseID,
			ItemID:     env.ItemID,
		}, nil
	case "response.done":
		done := TurnComplete{}
		output := env.Output
		if env.Response != nil {
			done.ResponseID = env.Response.ID
			done.Status = env.Response.Status
			if len(env.Response.Output) > 0 {
				output = env.Response.Output
			}
		}
		for _, item := range output {
			if item.Type != "function_call" {
				continue
			}
			if strings.TrimSpace(item.CallID) == "" {
				done.SkippedToolCalls++
				continue
			}
			done.ToolCalls = append(done.ToolCalls, ToolCallRequest{
				CallID:       strings.TrimSpace(item.CallID),
				Name:         strings.TrimSpace(item.Name),
				RawArguments: item.Arguments,
				ItemID:       item.ID,
			})
		}
		return done, nil
	case "error":
		if env.Error == nil {
			return BackendError{Message: "unknown backend error"}, nil
		}
		return BackendError{
			Type:    env.Error.Type,
			Code:    env.Error.Code,
			Message: env.Error.Message,
			Param:   env.Error.Param,
		}, nil
	default:
		return BackendOther{Type: typ}, nil
	}
}

// SessionUpdate is the one-time session-configuration frame.
type SessionUpdate struct {
	Session SessionConfig
}

// AudioAppend forwards caller audio into the backend's input buffer.
type AudioAppend struct {
	Payload string
}

// ResponseCancel cancels the in-flight backend response.
type ResponseCancel struct{}

// FunctionCallOutput answers one ToolCallRequest.
type FunctionCallOutput struct {
	CallID string
	Output string
}

// ResponseCreate asks the backend to resume its turn.
type ResponseCreate struct{}

type sessionUpdateWire struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type audioAppendWire struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type typeOnlyWire struct {
	Type string `json:"type"`
}

type functionCallOutputWire struct {
	Type string `json:"type"`
	Item struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
	} `json:"item"`
}

// EncodeBackend serializes an outbound backend frame.
func EncodeBackend(frame any) ([]byte, error) {
	switch f := frame.(type) {
	case SessionUpdate:
		return json.Marshal(sessionUpdateWire{Type: "session.update", Session: f.Session})
	case AudioAppend:
		if f.Payload == "" {
			return nil, malformed(SideBackend, "input_audio_buffer.append", "audio is required", "audio")
		}
		return json.Marshal(audioAppendWire{Type: "input_audio_buffer.append", Audio: f.Payload})
	case ResponseCancel:
		return json.Marshal(typeOnlyWire{Type: "response.cancel"})
	case FunctionCallOutput:
		if strings.TrimSpace(f.CallID) == "" {
			return nil, malformed(SideBackend, "conversation.item.create", "call_id is required", "item.call_id")
		}
		w := functionCallOutputWire{Type: "conversation.item.create"}
		w.Item.Type = "function_call_output"
		w.Item.CallID = f.CallID
		w.Item.Output = f.Output
		return json.Marshal(w)
	case ResponseCreate:
		return json.Marshal(typeOnlyWire{Type: "response.create"})
	default:
		return nil, malformed(SideBackend, "", "unsupported outbound frame", "")
	}
}
