package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/callscribe/pkg/provider/llm"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Analyzer runs one analysis request against a backend.
//
// A non-nil error means the backend could not be reached or failed; a
// response that arrived but could not be interpreted is returned as a
// [ParseError] result with a nil error.
type Analyzer interface {
	Analyze(ctx context.Context, req types.AnalysisRequest) (Result, error)
}

// AnalyzerFunc adapts a function to the [Analyzer] interface.
type AnalyzerFunc func(ctx context.Context, req types.AnalysisRequest) (Result, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, req types.AnalysisRequest) (Result, error) {
	return f(ctx, req)
}

const (
	defaultMaxTokens   = 512
	defaultTemperature = 0.2
)

const todoPrompt = `You extract action items from a live call transcript.
Only include concrete tasks someone committed to or was asked to do.
Answer with a single JSON object and nothing else:
{"todos":[{"text":"<imperative task>","priority":"low|medium|high"}]}
Answer {"todos":[]} when there are no action items.`

const suggestionPrompt = `You assist a participant during a live call.
Based on the latest utterance and the recent conversation, offer at most two
short, concrete suggestions or insights that would help right now.
Answer with a single JSON object and nothing else:
{"insights":["<suggestion>"]}`

// LLMAnalyzer implements [Analyzer] on top of an [llm.Provider].
//
// Each request becomes a system prompt for its kind, the request's context
// records as speaker-named user messages, and the query text as the final
// user message. Context is trimmed from the oldest record until the prompt
// fits the model's context window.
type LLMAnalyzer struct {
	provider    llm.Provider
	maxTokens   int
	temperature float64
	stream      bool
	prompts     map[types.AnalysisKind]string
}

// LLMOption configures an [LLMAnalyzer].
type LLMOption func(*LLMAnalyzer)

// WithMaxTokens caps the completion length. Default: 512.
func WithMaxTokens(n int) LLMOption {
	return func(a *LLMAnalyzer) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature. Default: 0.2.
func WithTemperature(t float64) LLMOption {
	return func(a *LLMAnalyzer) {
		a.temperature = t
	}
}

// WithStreaming selects the streaming transport when the provider supports
// it. Deltas are buffered into the final text either way.
func WithStreaming(enabled bool) LLMOption {
	return func(a *LLMAnalyzer) {
		a.stream = enabled
	}
}

// WithPrompt replaces the system prompt for kind.
func WithPrompt(kind types.AnalysisKind, prompt string) LLMOption {
	return func(a *LLMAnalyzer) {
		a.prompts[kind] = prompt
	}
}

// NewLLMAnalyzer returns an [LLMAnalyzer] backed by p.
func NewLLMAnalyzer(p llm.Provider, opts ...LLMOption) (*LLMAnalyzer, error) {
	if p == nil {
		return nil, errors.New("dispatch: llm provider must not be nil")
	}
	a := &LLMAnalyzer{
		provider:    p,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		prompts: map[types.AnalysisKind]string{
			types.AnalysisTodo:       todoPrompt,
			types.AnalysisSuggestion: suggestionPrompt,
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Analyze implements [Analyzer].
func (a *LLMAnalyzer) Analyze(ctx context.Context, req types.AnalysisRequest) (Result, error) {
	prompt, ok := a.prompts[req.Kind]
	if !ok {
		return nil, fmt.Errorf("dispatch: no prompt for kind %v", req.Kind)
	}

	caps := a.provider.Capabilities()
	messages, err := a.buildMessages(req, prompt, caps)
	if err != nil {
		return nil, err
	}
	creq := llm.CompletionRequest{
		Messages:    messages,
		Temperature: a.temperature,
		MaxTokens:   a.maxTokens,
		JSONMode:    caps.SupportsJSONMode,
	}

	var content string
	if a.stream && caps.SupportsStreaming {
		content, err = a.streamed(ctx, creq)
	} else {
		var resp *llm.CompletionResponse
		if resp, err = a.provider.Complete(ctx, creq); err == nil && resp != nil {
			content = resp.Content
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: analyze %v: %w", req.Kind, err)
	}
	return ParseResult(req.Kind, content), nil
}

func (a *LLMAnalyzer) streamed(ctx context.Context, req llm.CompletionRequest) (string, error) {
	ch, err := a.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			return "", fmt.Errorf("stream: %s", chunk.Text)
		}
		sb.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// buildMessages assembles the prompt and drops the oldest context records
// until it fits the model's input budget.
func (a *LLMAnalyzer) buildMessages(req types.AnalysisRequest, prompt string, caps types.ModelCapabilities) ([]types.Message, error) {
	query := types.Message{Role: "user", Content: req.Text}
	records := req.Context
	budget := caps.ContextWindow - a.maxTokens

	for {
		messages := make([]types.Message, 0, len(records)+2)
		messages = append(messages, types.Message{Role: "system", Content: prompt})
		for _, r := range records {
			messages = append(messages, types.Message{Role: "user", Name: r.Speaker.String(), Content: r.Text})
		}
		messages = append(messages, query)

		if caps.ContextWindow <= 0 || len(records) == 0 {
			return messages, nil
		}
		n, err := a.provider.CountTokens(messages)
		if err != nil {
			return nil, fmt.Errorf("dispatch: count tokens: %w", err)
		}
		if n <= budget {
			return messages, nil
		}
		records = records[1:]
	}
}
