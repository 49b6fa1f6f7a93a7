package quota

import "time"

// grant is one accepted consume call inside the rolling window
type grant struct {
	at     time.Time
	tokens int
}

// rollingWindow caps grants per rolling window using the sliding window
// algorithm. A grant at t counts against [t, t+window).
type rollingWindow struct {
	window time.Duration
	grants []grant
	total  int
}

func newRollingWindow(window time.Duration, capacity int) *rollingWindow {
	return &rollingWindow{
		window: window,
		grants: make([]grant, 0, capacity),
	}
}

// room returns how many tokens may still be granted at now.
// Must be called with the manager lock held.
func (w *rollingWindow) room(now time.Time, limit int) int {
	w.removeExpired(now)
	if r := limit - w.total; r > 0 {
		return r
	}
	return 0
}

// record registers a grant. Timestamps are appended in clock order.
func (w *rollingWindow) record(now time.Time, tokens int) {
	w.grants = append(w.grants, grant{at: now, tokens: tokens})
	w.total += tokens
}

// nextExpiry returns how long until the oldest grant leaves the window
func (w *rollingWindow) nextExpiry(now time.Time) time.Duration {
	if len(w.grants) == 0 {
		return 0
	}
	d := w.grants[0].at.Add(w.window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// removeExpired drops grants that are outside the sliding window
func (w *rollingWindow) removeExpired(now time.Time) {
	cutoff := now.Add(-w.window)

	expired := 0
	for _, g := range w.grants {
		if g.at.After(cutoff) {
			break
		}
		w.total -= g.tokens
		expired++
	}
	w.grants = w.grants[expired:]
}

func (w *rollingWindow) reset() {
	w.grants = w.grants[:0]
	w.total = 0
}
