package dispatch

import (
	"time"

	"golang.org/x/time/rate"
)

// limiter caps analysis submissions for a whole session: at most max within
// any rolling window, and at least spacing between two submissions. It is
// not safe for concurrent use; the scheduler calls it with its lock held.
type limiter struct {
	window  time.Duration
	max     int
	spacing *rate.Limiter
	sent    []time.Time // submission times inside the window, oldest first
}

func newLimiter(window time.Duration, max int, spacing time.Duration) *limiter {
	l := &limiter{window: window, max: max}
	if spacing > 0 {
		l.spacing = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return l
}

// reserve records a submission at now and returns 0, or returns how long
// the caller must wait before trying again without recording anything.
func (l *limiter) reserve(now time.Time) time.Duration {
	cutoff := now.Add(-l.window)
	drop := 0
	for drop < len(l.sent) && !l.sent[drop].After(cutoff) {
		drop++
	}
	l.sent = l.sent[drop:]

	if l.max > 0 && len(l.sent) >= l.max {
		return l.sent[0].Add(l.window).Sub(now)
	}
	if l.spacing != nil {
		r := l.spacing.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return d
		}
	}
	l.sent = append(l.sent, now)
	return 0
}
