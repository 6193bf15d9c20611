package session

import (
	"errors"
	"time"

	"github.com/MrWong99/callscribe/internal/relay"
	"github.com/MrWong99/callscribe/pkg/audio"
	"github.com/MrWong99/callscribe/pkg/types"
)

// EventType identifies the payload carried by an [Event].
type EventType int

const (
	// EventNormalized carries a cleaned interim or final transcript in
	// Transcript. Interim events are dropped when the consumer falls behind.
	EventNormalized EventType = iota + 1

	// EventRecord carries a final transcript accepted into the log in Record.
	EventRecord

	// EventTodo carries one extracted action item in Todo.
	EventTodo

	// EventInsight carries one suggestion in Insight.
	EventInsight

	// EventConnectionStatus carries the relay state in State.
	EventConnectionStatus

	// EventError carries a surfaced failure in Err and its classification in
	// ErrorKind.
	EventError
)

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventNormalized:
		return "normalized"
	case EventRecord:
		return "record"
	case EventTodo:
		return "todo"
	case EventInsight:
		return "insight"
	case EventConnectionStatus:
		return "connection_status"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Error kinds reported in [Event.ErrorKind].
const (
	ErrorAudioPermissionDenied  = "audio_permission_denied"
	ErrorAudioDeviceUnavailable = "audio_device_unavailable"
	ErrorConnectionFailed       = "connection_failed"
	ErrorAuthRejected           = "auth_rejected"
	ErrorConnectionTimeout      = "connection_timeout"
	ErrorInternal               = "internal"
)

// Event is one outbound notification of a session. Only the field that
// matches Type is set.
type Event struct {
	Type      EventType
	SessionID string
	Time      time.Time

	Transcript types.NormalizedTranscript
	Record     types.TranscriptRecord
	Todo       types.TodoItem
	Insight    string
	State      relay.State

	ErrorKind string
	Err       error
}

// errorKind classifies err into one of the Error* kinds.
func errorKind(err error) string {
	var rerr *relay.Error
	switch {
	case errors.As(err, &rerr):
		switch rerr.Kind {
		case relay.KindAuthRejected:
			return ErrorAuthRejected
		case relay.KindTimeout:
			return ErrorConnectionTimeout
		default:
			return ErrorConnectionFailed
		}
	case errors.Is(err, audio.ErrPermissionDenied):
		return ErrorAudioPermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return ErrorAudioDeviceUnavailable
	default:
		return ErrorInternal
	}
}
