// Package ingest turns normalized final transcripts into the session's
// ordered record log and forwards meaningful ones to AI analysis.
//
// The [Coordinator] applies a constant-time duplicate guard on top of the
// normalizer's history checks, caps the log so long sessions stay bounded,
// and decides which records are worth analysing.
package ingest

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/MrWong99/callscribe/internal/observe"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Default coordinator tunables.
const (
	defaultTTL        = 5 * time.Second
	defaultMaxRecords = 500

	minMeaningfulWords = 3
	minMeaningfulRunes = 15
)

// fillers are bare greeting and hesitation tokens that carry nothing worth
// analysing on their own.
var fillers = map[string]struct{}{
	"hi": {}, "hello": {}, "okay": {}, "yes": {}, "no": {},
	"um": {}, "uh": {}, "ah": {}, "oh": {}, "well": {},
}

// Dispatcher receives meaningful transcript text for analysis. Submit must
// not block.
type Dispatcher interface {
	Submit(kind types.AnalysisKind, text string)
}

// Config configures a [Coordinator].
type Config struct {
	// TTL is how long a signature suppresses identical text. Default: 5s.
	TTL time.Duration

	// MaxRecords caps the log; exceeding it evicts the oldest half.
	// Default: 500.
	MaxRecords int

	// Kinds lists the analysis kinds meaningful records are forwarded for.
	// Empty disables forwarding.
	Kinds []types.AnalysisKind

	// Dispatcher receives meaningful records. May be nil.
	Dispatcher Dispatcher

	// OnRecord is called for every record appended to the log, in id order.
	// It must not call Ingest. May be nil.
	OnRecord func(types.TranscriptRecord)

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// Coordinator owns one session's transcript record log. All methods are safe
// for concurrent use; concurrent Ingest calls still emit records and
// submissions in id order.
type Coordinator struct {
	cfg Config

	// emitMu serializes Ingest so callbacks run in id order. It is taken
	// before mu.
	emitMu sync.Mutex

	mu      sync.Mutex
	guard   *hashGuard
	records []types.TranscriptRecord
	nextID  uint64
	dupes   uint64
}

// New returns a Coordinator with an empty log.
func New(cfg Config) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = defaultMaxRecords
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:    cfg,
		guard:  newHashGuard(cfg.TTL),
		nextID: 1,
	}
}

// Ingest appends a final transcript to the log. It reports false for interim
// transcripts and for duplicates caught by the hash guard. Meaningful records
// are submitted to the dispatcher for every configured kind.
func (c *Coordinator) Ingest(nt types.NormalizedTranscript) (types.TranscriptRecord, bool) {
	if !nt.IsFinal || strings.TrimSpace(nt.Text) == "" {
		return types.TranscriptRecord{}, false
	}
	ctx := context.Background()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	now := c.cfg.Now()

	c.mu.Lock()
	if c.guard.check(signature(nt.Text), now) {
		c.dupes++
		c.mu.Unlock()
		c.cfg.Metrics.RecordSuppressed(ctx, "hash_guard")
		slog.Debug("ingest: duplicate transcript dropped", "text_len", len(nt.Text))
		return types.TranscriptRecord{}, false
	}

	ts := nt.Timestamp
	if ts.IsZero() {
		ts = now
	}
	rec := types.TranscriptRecord{
		ID:        c.nextID,
		Text:      nt.Text,
		Speaker:   nt.Speaker,
		Timestamp: ts,
	}
	c.nextID++
	c.records = append(c.records, rec)
	if len(c.records) > c.cfg.MaxRecords {
		c.evictLocked()
	}
	c.mu.Unlock()

	c.cfg.Metrics.TranscriptRecords.Add(ctx, 1)
	if c.cfg.OnRecord != nil {
		c.cfg.OnRecord(rec)
	}

	if c.cfg.Dispatcher != nil && IsMeaningful(rec.Text) {
		for _, kind := range c.cfg.Kinds {
			c.cfg.Dispatcher.Submit(kind, rec.Text)
		}
	}
	return rec, true
}

// evictLocked drops the oldest half of the log into a fresh slice so the
// evicted records can be collected.
func (c *Coordinator) evictLocked() {
	drop := len(c.records) / 2
	kept := make([]types.TranscriptRecord, len(c.records)-drop, c.cfg.MaxRecords+1)
	copy(kept, c.records[drop:])
	c.records = kept
	slog.Debug("ingest: evicted oldest records", "evicted", drop, "kept", len(kept))
}

// Records returns a copy of the log, oldest first.
func (c *Coordinator) Records() []types.TranscriptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

// Recent returns up to n of the newest records, oldest first.
func (c *Coordinator) Recent(n int) []types.TranscriptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := max(0, len(c.records)-n)
	return slices.Clone(c.records[start:])
}

// Duplicates returns how many transcripts the hash guard dropped.
func (c *Coordinator) Duplicates() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dupes
}

// IsMeaningful reports whether text is worth analysing: at least three words,
// at least fifteen characters, and not made up solely of greeting or filler
// tokens.
func IsMeaningful(text string) bool {
	text = strings.TrimSpace(text)
	words := strings.Fields(text)
	if len(words) < minMeaningfulWords || utf8.RuneCountInString(text) < minMeaningfulRunes {
		return false
	}
	for _, w := range words {
		key := strings.ToLower(strings.TrimFunc(w, unicode.IsPunct))
		if _, filler := fillers[key]; !filler {
			return true
		}
	}
	return false
}
