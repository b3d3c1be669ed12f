package protocol

import (
	"encoding/json"
	"strings"
)

// Direction tells which way an AudioFrame travels relative to the caller.
type Direction int

const (
	DirectionInbound Direction = iota + 1
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// AudioFrame is an opaque, already-encoded audio payload. The payload stays in
// the base64 form both sides use on the wire; it is never transcoded.
type AudioFrame struct {
	Payload   string
	Direction Direction
	StreamID  string
}

// TelephonyFrame is the decoded form of an inbound media-stream control frame.
type TelephonyFrame interface {
	telephonyFrame()
}

type MediaFormat struct {
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// StartSession latches the stream and call identifiers for a session.
type StartSession struct {
	StreamID         string
	CallID           string
	AccountID        string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// MediaFrame carries one chunk of caller audio.
type MediaFrame struct {
	Audio     AudioFrame
	Track     string
	Chunk     string
	Timestamp string
}

// StopSession signals the telephony side has finished the stream.
type StopSession struct {
	StreamID string
	CallID   string
}

// PlaybackMark is the echo of a Mark: the caller has heard everything queued
// before it.
type PlaybackMark struct {
	StreamID string
	Name     string
}

// TelephonyOther is any well-formed event this bridge does not act on
// (connected, dtmf, ...).
type TelephonyOther struct {
	Event string
}

func (StartSession) telephonyFrame()   {}
func (MediaFrame) telephonyFrame()     {}
func (StopSession) telephonyFrame()    {}
func (PlaybackMark) telephonyFrame()   {}
func (TelephonyOther) telephonyFrame() {}

type telephonyEnvelope struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		AccountSid       string            `json:"accountSid"`
		Tracks           []string          `json:"tracks"`
		MediaFormat      MediaFormat       `json:"mediaFormat"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Stop *struct {
		AccountSid string `json:"accountSid"`
		CallSid    string `json:"callSid"`
	} `json:"stop,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// DecodeTelephony parses one inbound media-stream frame.
func DecodeTelephony(data []byte) (TelephonyFrame, error) {
	var env telephonyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, malformed(SideTelephony, "", "invalid json frame", "")
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		return nil, malformed(SideTelephony, "", "missing event", "event")
	}

	switch event {
	case "start":
		if env.Start == nil {
			return nil, malformed(SideTelephony, event, "start body is required", "start")
		}
		streamID := strings.TrimSpace(env.Start.StreamSid)
		if streamID == "" {
			streamID = strings.TrimSpace(env.StreamSid)
		}
		if streamID == "" {
			return nil, malformed(SideTelephony, event, "stream id is required", "start.streamSid")
		}
		return StartSession{
			StreamID:         streamID,
			CallID:           strings.TrimSpace(env.Start.CallSid),
			AccountID:        strings.TrimSpace(env.Start.AccountSid),
			Tracks:           env.Start.Tracks,
			MediaFormat:      env.Start.MediaFormat,
			CustomParameters: env.Start.CustomParameters,
		}, nil
	case "media":
		if env.Media == nil {
			return nil, malformed(SideTelephony, event, "media body is required", "media")
		}
		if strings.TrimSpace(env.Media.Payload) == "" {
			return nil, malformed(SideTelephony, event, "payload is required", "media.payload")
		}
		return MediaFrame{
			Audio: AudioFrame{
				Payload:   env.Media.Payload,
				Direction: DirectionInbound,
				StreamID:  strings.TrimSpace(env.StreamSid),
			},
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
		}, nil
	case "stop":
		stop := StopSession{StreamID: strings.TrimSpace(env.StreamSid)}
		if env.Stop != nil {
			stop.CallID = strings.TrimSpace(env.Stop.CallSid)
		}
		return stop, nil
	case "mark":
		if env.Mark == nil || strings.TrimSpace(env.Mark.Name) == "" {
			return nil, malformed(SideTelephony, event, "mark name is required", "mark.name")
		}
		return PlaybackMark{StreamID: strings.TrimSpace(env.StreamSid), Name: env.Mark.Name}, nil
	default:
		return TelephonyOther{Event: event}, nil
	}
}

// OutboundMedia is agent audio addressed to a latched stream.
type OutboundMedia struct {
	StreamID string
	Payload  string
}

// Clear asks the telephony side to drop any audio it has buffered for the stream.
type Clear struct {
	StreamID string
}

// Mark asks the telephony side to echo back a named marker once playback
// reaches it. A clear discards pending marks along with the audio.
type Mark struct {
	StreamID string
	Name     string
}

type outboundMediaWire struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type clearWire struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type markWire struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// EncodeTelephony serializes an outbound telephony frame. Frames without a
// stream id are refused with ErrMissingStreamID.
func EncodeTelephony(frame any) ([]byte, error) {
	switch f := frame.(type) {
	case OutboundMedia:
		if strings.TrimSpace(f.StreamID) == "" {
			return nil, ErrMissingStreamID
		}
		w := outboundMediaWire{Event: "media", StreamSid: f.StreamID}
		w.Media.Payload = f.Payload
		return json.Marshal(w)
	case Clear:
		if strings.TrimSpace(f.StreamID) == "" {
			return nil, ErrMissingStreamID
		}
		return json.Marshal(clearWire{Event: "clear", StreamSid: f.StreamID})
	case Mark:
		if strings.TrimSpace(f.StreamID) == "" {
			return nil, ErrMissingStreamID
		}
		w := markWire{Event: "mark", StreamSid: f.StreamID}
		w.Mark.Name = f.Name
		return json.Marshal(w)
	default:
		return nil, malformed(SideTelephony, "", "unsupported outbound frame", "")
	}
}
