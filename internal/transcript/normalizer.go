// Package transcript turns raw speech-to-text output into clean, deduplicated
// text for display and analysis.
//
// The [Normalizer] is the per-session entry point. For every event it
// optionally rewrites misheard vocabulary terms ([VocabularyCorrector]),
// cleans the text with [CleanText], then suppresses byte-identical repeats
// that arrive in quick succession and final transcripts that repeat, or are
// small fragments of, one of the last accepted finals.
package transcript

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Default normalizer tunables.
const (
	defaultRepeatWindow = 50 * time.Millisecond
	defaultHistorySize  = 5

	// minOutputRunes is the shortest cleaned text that is not suppressed.
	minOutputRunes = 2

	// fragmentRatio: a final shorter than this share of a recent final that
	// contains it is a stray fragment.
	fragmentRatio = 0.5
)

// Suppression reasons reported to metrics.
const (
	ReasonEmpty            = "empty"
	ReasonRepeat           = "repeat"
	ReasonHistoryDuplicate = "history_duplicate"
	ReasonHistoryFragment  = "history_fragment"
)

// Option configures a [Normalizer].
type Option func(*Normalizer)

// WithVocabulary enables vocabulary correction for the given terms. An empty
// list leaves correction disabled.
func WithVocabulary(terms []string) Option {
	return func(n *Normalizer) {
		n.corrector = NewVocabularyCorrector(terms)
	}
}

// WithRepeatWindow sets how close together two identical cleaned texts must
// arrive for the second to be suppressed. Default: 50ms.
func WithRepeatWindow(d time.Duration) Option {
	return func(n *Normalizer) {
		n.repeatWindow = d
	}
}

// WithHistorySize sets how many accepted finals are remembered. Default: 5.
func WithHistorySize(size int) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.historySize = size
		}
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(n *Normalizer) {
		n.metrics = m
	}
}

// WithClock overrides the time source used when an event carries no receive
// time.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		n.now = now
	}
}

// Normalizer cleans transcript text and suppresses duplicates for one
// session. All methods are safe for concurrent use; a single mutex orders
// concurrent deliveries.
type Normalizer struct {
	corrector    *VocabularyCorrector
	repeatWindow time.Duration
	historySize  int
	metrics      *observe.Metrics
	now          func() time.Time

	mu        sync.Mutex
	history   []string // lower-cased accepted finals, oldest first
	last      string
	lastFinal bool
	lastAt    time.Time
}

// NewNormalizer returns a Normalizer with empty history.
func NewNormalizer(opts ...Option) *Normalizer {
	n := &Normalizer{
		repeatWindow: defaultRepeatWindow,
		historySize:  defaultHistorySize,
		now:          time.Now,
	}
	for _, o := range opts {
		o(n)
	}
	if n.metrics == nil {
		n.metrics = observe.DefaultMetrics()
	}
	return n
}

// Vocabulary returns the configured vocabulary terms, for use as backend
// keyword hints.
func (n *Normalizer) Vocabulary() []string {
	return n.corrector.Terms()
}

// Clean cleans text received now. It reports false when the text is
// suppressed.
func (n *Normalizer) Clean(text string, isFinal bool) (string, bool) {
	return n.clean(text, isFinal, n.now())
}

// Normalize cleans one transcript event. It reports false when the event is
// suppressed.
func (n *Normalizer) Normalize(ev types.TranscriptEvent) (types.NormalizedTranscript, bool) {
	at := ev.ReceivedAt
	if at.IsZero() {
		at = n.now()
	}
	text, ok := n.clean(ev.Text, ev.IsFinal, at)
	if !ok {
		return types.NormalizedTranscript{}, false
	}
	return types.NormalizedTranscript{
		Text:      text,
		IsFinal:   ev.IsFinal,
		Speaker:   ev.Speaker,
		Timestamp: at,
	}, true
}

// Reset forgets the history and the last output.
func (n *Normalizer) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = nil
	n.last = ""
	n.lastAt = time.Time{}
}

func (n *Normalizer) clean(text string, isFinal bool, at time.Time) (string, bool) {
	text, _ = n.corrector.Correct(text)
	cleaned := CleanText(text)
	if utf8.RuneCountInString(cleaned) < minOutputRunes {
		n.suppressed(ReasonEmpty)
		return "", false
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if cleaned == n.last && isFinal == n.lastFinal && at.Sub(n.lastAt) < n.repeatWindow {
		n.suppressed(ReasonRepeat)
		return "", false
	}

	if isFinal {
		if reason, dup := n.checkHistory(strings.ToLower(cleaned)); dup {
			n.suppressed(reason)
			return "", false
		}
	}

	n.last, n.lastFinal, n.lastAt = cleaned, isFinal, at
	if isFinal {
		n.history = append(n.history, strings.ToLower(cleaned))
		if len(n.history) > n.historySize {
			n.history = n.history[len(n.history)-n.historySize:]
		}
	}
	return cleaned, true
}

// checkHistory must be called with mu held.
func (n *Normalizer) checkHistory(lower string) (string, bool) {
	size := float64(utf8.RuneCountInString(lower))
	for _, prev := range n.history {
		if prev == lower {
			return ReasonHistoryDuplicate, true
		}
		if strings.Contains(prev, lower) && size < fragmentRatio*float64(utf8.RuneCountInString(prev)) {
			return ReasonHistoryFragment, true
		}
	}
	return "", false
}

func (n *Normalizer) suppressed(reason string) {
	n.metrics.RecordSuppressed(context.Background(), reason)
}
