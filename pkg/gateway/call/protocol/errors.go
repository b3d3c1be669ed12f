package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame matches every MalformedFrameError via errors.Is.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrMissingStreamID is returned when encoding a telephony frame that has no
// latched stream identifier to address it to.
var ErrMissingStreamID = errors.New("outbound telephony frame has no stream id")

const (
	SideTelephony = "telephony"
	SideBackend   = "backend"
)

// MalformedFrameError reports a frame that is not well-formed JSON or is
// missing a field required by its declared type. Callers drop the frame and
// keep the session running.
type MalformedFrameError struct {
	Side    string
	Kind    string
	Message string
	Param   string
}

func (e *MalformedFrameError) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Side
	if e.Kind != "" {
		prefix += " " + e.Kind
	}
	if strings.TrimSpace(e.Param) == "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", prefix, e.Message, e.Param)
}

func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func malformed(side, kind, message, param string) *MalformedFrameError {
	return &MalformedFrameError{Side: side, Kind: kind, Message: message, Param: param}
}
