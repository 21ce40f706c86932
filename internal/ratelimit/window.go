package ratelimit

import "time"

// windowEvent is one recorded unit of consumption at a point in time.
// amount lets a single call represent more than one unit (e.g. bytes of
// bandwidth) while still aging out of the window together.
type windowEvent struct {
	at     time.Time
	amount int64
}

// slidingWindow is the deque of recent events for one (subject, kind)
// pair (spec §4.3, "Sliding window"). Pruning is lazy: it only happens
// when the window is read or written, never on a background timer.
type slidingWindow struct {
	events []windowEvent
}

// prune drops every event older than now-windowDur from the front of the
// deque, mirroring spec §4.3's "pop from the front all timestamps <
// now - window".
func (w *slidingWindow) prune(now time.Time, windowDur time.Duration) {
	cutoff := now.Add(-windowDur)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// sum reports the total amount recorded within windowDur of now, after
// pruning expired events.
func (w *slidingWindow) sum(now time.Time, windowDur time.Duration) int64 {
	w.prune(now, windowDur)
	var total int64
	for _, e := range w.events {
		total += e.amount
	}
	return total
}

// sumSince reports the total amount recorded within the last dur,
// without mutating the deque — used for the burst-window check, which
// looks at a shorter span than the main window and must not prune the
// main window's history out from under it.
func (w *slidingWindow) sumSince(now time.Time, dur time.Duration) int64 {
	cutoff := now.Add(-dur)
	var total int64
	for _, e := range w.events {
		if !e.at.Before(cutoff) {
			total += e.amount
		}
	}
	return total
}

// record appends amount at now. Callers must have already pruned via sum
// if they need an up-to-date total first.
func (w *slidingWindow) record(now time.Time, amount int64) {
	w.events = append(w.events, windowEvent{at: now, amount: amount})
}

// oldestRemaining reports how long until the oldest event still counted
// against windowDur ages out — the basis for RetryAfter.
func (w *slidingWindow) oldestRemaining(now time.Time, windowDur time.Duration) time.Duration {
	if len(w.events) == 0 {
		return 0
	}
	expiresAt := w.events[0].at.Add(windowDur)
	if expiresAt.Before(now) {
		return 0
	}
	return expiresAt.Sub(now)
}
