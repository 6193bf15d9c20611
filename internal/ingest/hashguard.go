package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// sampleRunes is the width of each text sample mixed into a signature.
const sampleRunes = 16

// signature derives a fixed-size fingerprint from the length of text and
// three samples taken from its start, middle and end. Texts that differ only
// outside the sampled regions collide; that is an accepted trade for O(1)
// lookups.
func signature(text string) uint64 {
	rs := []rune(strings.ToLower(text))
	n := len(rs)

	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(n))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(string(rs[:min(sampleRunes, n)]))
	_, _ = d.WriteString("|")
	mid := max(0, n/2-sampleRunes/2)
	_, _ = d.WriteString(string(rs[mid:min(mid+sampleRunes, n)]))
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(string(rs[max(0, n-sampleRunes):]))
	return d.Sum64()
}

// hashGuard remembers signatures for a fixed TTL. It is not safe for
// concurrent use; the Coordinator serialises access.
type hashGuard struct {
	ttl       time.Duration
	seen      map[uint64]time.Time
	lastPrune time.Time
}

func newHashGuard(ttl time.Duration) *hashGuard {
	return &hashGuard{ttl: ttl, seen: make(map[uint64]time.Time)}
}

// check reports whether sig was recorded within the TTL. A miss records sig
// at now. Hits do not extend the original entry.
func (g *hashGuard) check(sig uint64, now time.Time) bool {
	if now.Sub(g.lastPrune) >= g.ttl {
		g.prune(now)
	}
	if at, ok := g.seen[sig]; ok && now.Sub(at) < g.ttl {
		return true
	}
	g.seen[sig] = now
	return false
}

func (g *hashGuard) prune(now time.Time) {
	for sig, at := range g.seen {
		if now.Sub(at) >= g.ttl {
			delete(g.seen, sig)
		}
	}
	g.lastPrune = now
}

func (g *hashGuard) size() int { return len(g.seen) }
