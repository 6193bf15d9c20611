package dispatch

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/callscribe/pkg/types"
)

// ErrUnknownShape is wrapped by [ParseError] when the analysis backend
// answers with JSON that matches none of the documented shapes.
var ErrUnknownShape = errors.New("dispatch: unknown response shape")

// Result is the parsed outcome of one analysis request. It is one of
// [TodoList], [InsightList] or [ParseError].
type Result interface {
	isResult()
}

// TodoList holds the action items extracted from a transcript excerpt. It
// may be empty when the excerpt contains no action items.
type TodoList struct {
	Items []types.TodoItem
}

// InsightList holds contextual suggestions for the current conversation.
type InsightList struct {
	Insights []string
}

// ParseError reports a response that could not be interpreted. Raw keeps the
// backend output for logging.
type ParseError struct {
	Raw string
	Err error
}

func (TodoList) isResult()    {}
func (InsightList) isResult() {}
func (ParseError) isResult()  {}

func (e ParseError) Error() string {
	return fmt.Sprintf("dispatch: parse response: %v", e.Err)
}

func (e ParseError) Unwrap() error { return e.Err }

// ParseResult interprets raw backend output for kind. Markdown code fences
// around the JSON are ignored. Accepted shapes:
//
//	todo:       {"todos":[{"text":"...","priority":"high"}]}, [{"text":...}], ["..."]
//	suggestion: {"insights":["..."]}, {"suggestion":"..."}, ["..."]
//
// A suggestion that is not JSON at all is taken as a single plain-text
// insight. Anything else yields a [ParseError].
func ParseResult(kind types.AnalysisKind, raw string) Result {
	body := stripCodeFence(raw)
	if body == "" {
		return ParseError{Raw: raw, Err: fmt.Errorf("%w: empty response", ErrUnknownShape)}
	}
	switch kind {
	case types.AnalysisTodo:
		return parseTodos(raw, body)
	case types.AnalysisSuggestion:
		return parseInsights(raw, body)
	default:
		return ParseError{Raw: raw, Err: fmt.Errorf("%w: kind %v", ErrUnknownShape, kind)}
	}
}

// todoEntry accepts either an object or a bare string.
type todoEntry struct {
	Text     string `json:"text"`
	Task     string `json:"task"`
	Priority string `json:"priority"`
}

func (e *todoEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Text = s
		return nil
	}
	type plain todoEntry
	return json.Unmarshal(b, (*plain)(e))
}

func parseTodos(raw, body string) Result {
	var entries []todoEntry
	switch body[0] {
	case '{':
		var obj struct {
			Todos *[]todoEntry `json:"todos"`
			Items *[]todoEntry `json:"items"`
		}
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return ParseError{Raw: raw, Err: err}
		}
		switch {
		case obj.Todos != nil:
			entries = *obj.Todos
		case obj.Items != nil:
			entries = *obj.Items
		default:
			return ParseError{Raw: raw, Err: fmt.Errorf("%w: missing \"todos\"", ErrUnknownShape)}
		}
	case '[':
		if err := json.Unmarshal([]byte(body), &entries); err != nil {
			return ParseError{Raw: raw, Err: err}
		}
	default:
		return ParseError{Raw: raw, Err: fmt.Errorf("%w: not JSON", ErrUnknownShape)}
	}

	list := TodoList{}
	for _, e := range entries {
		text := strings.TrimSpace(e.Text)
		if text == "" {
			text = strings.TrimSpace(e.Task)
		}
		if text == "" {
			continue
		}
		list.Items = append(list.Items, types.TodoItem{Text: text, Priority: parsePriority(e.Priority)})
	}
	return list
}

// insightEntry accepts either a bare string or an object with a text field.
type insightEntry string

func (e *insightEntry) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*e = insightEntry(s)
		return nil
	}
	var obj struct {
		Text       string `json:"text"`
		Suggestion string `json:"suggestion"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = insightEntry(cmp.Or(obj.Text, obj.Suggestion))
	return nil
}

func parseInsights(raw, body string) Result {
	var entries []insightEntry
	switch body[0] {
	case '{':
		var obj struct {
			Insights    *[]insightEntry `json:"insights"`
			Suggestions *[]insightEntry `json:"suggestions"`
			Suggestion  *string         `json:"suggestion"`
		}
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			return ParseError{Raw: raw, Err: err}
		}
		switch {
		case obj.Insights != nil:
			entries = *obj.Insights
		case obj.Suggestions != nil:
			entries = *obj.Suggestions
		case obj.Suggestion != nil:
			entries = []insightEntry{insightEntry(*obj.Suggestion)}
		default:
			return ParseError{Raw: raw, Err: fmt.Errorf("%w: missing \"insights\"", ErrUnknownShape)}
		}
	case '[':
		if err := json.Unmarshal([]byte(body), &entries); err != nil {
			return ParseError{Raw: raw, Err: err}
		}
	default:
		return InsightList{Insights: []string{body}}
	}

	list := InsightList{}
	for _, e := range entries {
		if s := strings.TrimSpace(string(e)); s != "" {
			list.Insights = append(list.Insights, s)
		}
	}
	return list
}

func parsePriority(s string) types.Priority {
	switch p := types.Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case types.PriorityLow, types.PriorityMedium, types.PriorityHigh:
		return p
	default:
		return types.PriorityMedium
	}
}

// stripCodeFence removes a surrounding ```lang ... ``` block and trims
// whitespace.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
