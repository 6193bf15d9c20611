package bus

import (
	"time"

	"github.com/MrWong99/callscribe/internal/session"
)

// Message is the JSON payload of a published event. Exactly one of the
// optional payload fields is set, matching Type.
type Message struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Time      time.Time `json:"time"`

	Transcript *Transcript `json:"transcript,omitempty"`
	Record     *Record     `json:"record,omitempty"`
	Todo       *Todo       `json:"todo,omitempty"`
	Insight    string      `json:"insight,omitempty"`
	State      string      `json:"state,omitempty"`
	Error      *ErrorInfo  `json:"error,omitempty"`
}

// Transcript is a normalized interim or final transcript.
type Transcript struct {
	Text      string    `json:"text"`
	IsFinal   bool      `json:"is_final"`
	Speaker   string    `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is an entry of the session transcript log.
type Record struct {
	ID        uint64    `json:"id"`
	Text      string    `json:"text"`
	Speaker   string    `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

// Todo is an extracted action item.
type Todo struct {
	Text     string `json:"text"`
	Priority string `json:"priority"`
}

// ErrorInfo describes a surfaced session failure.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

func NewMessage(ev session.Event) Message {
	m := Message{
		SessionID: ev.SessionID,
		Type:      ev.Type.String(),
		Time:      ev.Time.UTC(),
	}
	switch ev.Type {
	case session.EventNormalized:
		t := ev.Transcript
		m.Transcript = &Transcript{Text: t.Text, IsFinal: t.IsFinal, Speaker: t.Speaker.String(), Timestamp: t.Timestamp.UTC()}
	case session.EventRecord:
		r := ev.Record
		m.Record = &Record{ID: r.ID, Text: r.Text, Speaker: r.Speaker.String(), Timestamp: r.Timestamp.UTC()}
	case session.EventTodo:
		m.Todo = &Todo{Text: ev.Todo.Text, Priority: string(ev.Todo.Priority)}
	case session.EventInsight:
		m.Insight = ev.Insight
	case session.EventConnectionStatus:
		m.State = ev.State.String()
	case session.EventError:
		info := &ErrorInfo{Kind: ev.ErrorKind}
		if ev.Err != nil {
			info.Detail = ev.Err.Error()
		}
		m.Error = info
	}
	return m
}
