// Package types defines the shared data model used across callscribe packages.
//
// These types form the lingua franca between the speech-to-text relay, the
// transcript normalizer, the ingestion coordinator and the analysis scheduler.
// Each package keeps its own domain types, but values that cross package
// boundaries live here to avoid circular imports.
package types

import "time"

// Speaker identifies which side of a call produced a transcript.
type Speaker int

const (
	// SpeakerUnknown is used when the backend does not attribute the utterance.
	SpeakerUnknown Speaker = iota

	// SpeakerUser is the local participant (microphone).
	SpeakerUser

	// SpeakerSystem is the remote party (system or loopback audio).
	SpeakerSystem
)

// String returns the lower-case name of the speaker.
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerSystem:
		return "system"
	default:
		return "unknown"
	}
}

// TranscriptEvent is a single recognition result received from the
// speech-to-text backend. Both interim and final results use this type.
// Values are immutable once created.
type TranscriptEvent struct {
	// Text is the raw recognised text, exactly as the backend sent it.
	Text string

	// IsFinal reports whether the backend will revise this utterance further.
	IsFinal bool

	// Confidence is the backend's confidence score (0.0–1.0). Zero when not
	// reported.
	Confidence float64

	// Speaker attributes the utterance when the backend supports it.
	Speaker Speaker

	// ReceivedAt is the wall-clock time the message arrived.
	ReceivedAt time.Time
}

// NormalizedTranscript is the cleaned output of the transcript normalizer.
// Text is never empty.
type NormalizedTranscript struct {
	Text      string
	IsFinal   bool
	Speaker   Speaker
	Timestamp time.Time
}

// TranscriptRecord is a final transcript accepted into the session log.
type TranscriptRecord struct {
	// ID is unique within a session and strictly increasing, starting at 1.
	ID uint64

	Text      string
	Speaker   Speaker
	Timestamp time.Time
}

// AnalysisKind selects which AI analysis a transcript is submitted for.
type AnalysisKind int

const (
	// AnalysisTodo extracts action items from the conversation.
	AnalysisTodo AnalysisKind = iota

	// AnalysisSuggestion generates a contextual suggestion or insight.
	AnalysisSuggestion
)

// AnalysisKinds lists every kind in a stable order.
var AnalysisKinds = []AnalysisKind{AnalysisTodo, AnalysisSuggestion}

// String returns the lower-case name of the kind.
func (k AnalysisKind) String() string {
	switch k {
	case AnalysisTodo:
		return "todo"
	case AnalysisSuggestion:
		return "suggestion"
	default:
		return "unknown"
	}
}

// AnalysisRequest is one unit of work handed to an analysis backend.
type AnalysisRequest struct {
	Text        string
	Kind        AnalysisKind
	SubmittedAt time.Time

	// Context holds the most recent session records preceding Text, oldest
	// first. It may be empty.
	Context []TranscriptRecord
}

// Priority ranks an extracted todo item.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// TodoItem is a single action item extracted from the conversation.
type TodoItem struct {
	Text     string
	Priority Priority
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum number of tokens the model accepts.
	ContextWindow int

	// MaxOutputTokens is the maximum number of tokens the model can generate.
	MaxOutputTokens int

	// SupportsStreaming indicates whether the backend streams token deltas.
	SupportsStreaming bool

	// SupportsJSONMode indicates whether the model can be forced to emit JSON.
	SupportsJSONMode bool
}

// KeywordBoost is a vocabulary hint sent to the speech-to-text backend.
type KeywordBoost struct {
	// Keyword is the term to boost, e.g. a customer or product name.
	Keyword string

	// Boost is the intensity. Zero lets the provider use its default.
	Boost float64
}
