package ratelimit

import (
	"sync"
	"time"

	"github.com/sandrun/compute/internal/model"
)

// subjectState is the Rate Engine's private per-subject bookkeeping
// (spec §3, "Subject quota"). It is exclusively owned by the Engine and
// always accessed under its own mutex, never shared across subjects.
type subjectState struct {
	mu sync.Mutex

	id       string
	limits   map[model.LimitKind]model.RateLimit
	windows  map[model.LimitKind]*slidingWindow
	held     map[model.LimitKind]int64 // reservation kinds: currently-held capacity
	active   map[string]struct{}       // active job ids, for concurrent-jobs double-count prevention
	priority int
	premium  bool

	lastCleanup time.Time
}

func newSubjectState(id string) *subjectState {
	return &subjectState{
		id:          id,
		limits:      make(map[model.LimitKind]model.RateLimit),
		windows:     make(map[model.LimitKind]*slidingWindow),
		held:        make(map[model.LimitKind]int64),
		active:      make(map[string]struct{}),
		lastCleanup: time.Now(),
	}
}

// setQuota replaces all limits, preserving the active job set and held
// reservation counters already in flight (spec §4.3: "preserves active
// job set if present").
func (s *subjectState) setQuota(q model.SubjectQuota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = make(map[model.LimitKind]model.RateLimit, len(q.Limits))
	for _, l := range q.Limits {
		s.limits[l.Kind] = l
		if _, ok := s.windows[l.Kind]; !ok {
			s.windows[l.Kind] = &slidingWindow{}
		}
	}
	s.priority = q.Priority
	s.premium = q.Premium
}

func (s *subjectState) updateLimit(l model.RateLimit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits[l.Kind] = l
	if _, ok := s.windows[l.Kind]; !ok {
		s.windows[l.Kind] = &slidingWindow{}
	}
}

func (s *subjectState) window(kind model.LimitKind) *slidingWindow {
	w, ok := s.windows[kind]
	if !ok {
		w = &slidingWindow{}
		s.windows[kind] = w
	}
	return w
}

// admissionCap applies the priority over-limit bonus (spec §4.3:
// "subjects with priority > 5 get an admission cap of 1.2x limit ... on
// the check_with_priority path; standard check is unaffected").
func admissionCap(limit int64, priority int, withPriority bool) int64 {
	if withPriority && priority > 5 {
		return int64(float64(limit) * 1.2)
	}
	return limit
}

// checkLocked evaluates admission for kind without mutating state.
// Must be called with s.mu held.
func (s *subjectState) checkLocked(now time.Time, kind model.LimitKind, amount int64, withPriority bool) (bool, time.Duration) {
	limit, ok := s.limits[kind]
	if !ok {
		// No configured limit for this kind admits unconditionally.
		return true, 0
	}

	if kind.ReservationKind() {
		admitCap := admissionCap(limit.Limit, s.priority, withPriority)
		if s.held[kind]+amount <= admitCap {
			return true, 0
		}
		return false, time.Second // reservation kinds free up on release, not on a timer
	}

	w := s.window(kind)
	admitCap := admissionCap(limit.Limit, s.priority, withPriority)
	if w.sum(now, limit.Window)+amount <= admitCap {
		return true, 0
	}

	// Burst allowance: spec §4.3 — if the standard check would deny,
	// count events in the last burst_window; admit if that count plus
	// amount fits under burst_limit. Burst usage is still recorded in
	// the main window by the caller.
	if limit.BurstLimit > 0 {
		burstUsed := w.sumSince(now, limit.BurstWindow)
		if burstUsed+amount <= limit.BurstLimit {
			return true, 0
		}
	}

	return false, w.oldestRemaining(now, limit.Window)
}

// recordLocked appends amount to kind's window. Must be called with
// s.mu held. Reservation kinds are not recorded into a window; their
// "currently held" counter is managed separately via acquire/release.
func (s *subjectState) recordLocked(now time.Time, kind model.LimitKind, amount int64) {
	if kind.ReservationKind() {
		return
	}
	s.window(kind).record(now, amount)
}

func (s *subjectState) usageLocked(now time.Time, kind model.LimitKind) model.UsageSnapshot {
	limit, ok := s.limits[kind]
	if !ok {
		return model.UsageSnapshot{Kind: kind}
	}
	if kind.ReservationKind() {
		snap := model.UsageSnapshot{Kind: kind, Current: s.held[kind], Capacity: limit.Limit}
		if limit.Limit > 0 {
			snap.Utilization = float64(snap.Current) / float64(limit.Limit)
		}
		return snap
	}
	w := s.window(kind)
	current := w.sum(now, limit.Window)
	snap := model.UsageSnapshot{
		Kind:      kind,
		Current:   current,
		Capacity:  limit.Limit,
		ResetTime: now.Add(limit.Window),
	}
	if limit.Limit > 0 {
		snap.Utilization = float64(current) / float64(limit.Limit)
	}
	return snap
}

// empty reports whether the subject has no recorded history and no
// active jobs/reservations, making it a candidate for cleanup eviction.
func (s *subjectState) empty(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > 0 {
		return false
	}
	for _, h := range s.held {
		if h > 0 {
			return false
		}
	}
	for kind, w := range s.windows {
		limit, ok := s.limits[kind]
		if !ok {
			continue
		}
		w.prune(now, limit.Window)
		if len(w.events) > 0 {
			return false
		}
	}
	return true
}
