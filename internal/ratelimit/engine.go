// Package ratelimit implements the Rate/Quota Engine (spec §4.3): a
// multi-dimensional, per-subject admission controller combining a
// sliding-window counter with burst allowance, a reservation counter for
// concurrent-jobs/memory/GPU capacity, a priority over-limit bonus, and
// a time-bounded IP ban table.
//
// This package resolves spec §9's Open Question about "two distinct
// rate-limiter interfaces" by unifying them: Engine treats a client id
// and an IP address as the same Subject string space, so ban/is_banned
// calls compose naturally with the richer per-subject quota calls
// instead of requiring a second component.
package ratelimit

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sandrun/compute/internal/model"
)

// cleanupInterval is the maintenance cadence (spec §4.3: "approximately
// every 5 minutes").
const cleanupInterval = 5 * time.Minute

// Engine is the Rate/Quota Engine's public surface. It is safe for
// concurrent use by multiple executor workers.
type Engine struct {
	mu       sync.RWMutex
	subjects map[string]*subjectState
	bans     *banTable

	metrics *Metrics
	logger  *log.Logger

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMetrics attaches a Prometheus Metrics recorder.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger overrides the default prefixed logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine builds a Rate/Quota Engine and starts its background
// maintenance loop.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		subjects:    make(map[string]*subjectState),
		stopCleanup: make(chan struct{}),
		logger:      log.New(log.Writer(), "[RATE-ENGINE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.bans = newBanTable(e.metrics)
	go e.cleanupLoop()
	return e
}

// Stop halts the background maintenance loops. Safe to call more than
// once.
func (e *Engine) Stop() {
	e.closeOnce.Do(func() {
		close(e.stopCleanup)
		e.bans.stop()
	})
}

func (e *Engine) subject(id string) *subjectState {
	e.mu.RLock()
	s, ok := e.subjects[id]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.subjects[id]; ok {
		return s
	}
	s = newSubjectState(id)
	e.subjects[id] = s
	return s
}

// SetQuota replaces every limit dimension for subject, preserving its
// active job set and reservation counters (spec §4.3).
func (e *Engine) SetQuota(subject string, quota model.SubjectQuota) {
	e.subject(subject).setQuota(quota)
}

// UpdateLimit upserts one limit dimension for subject.
func (e *Engine) UpdateLimit(subject string, limit model.RateLimit) {
	e.subject(subject).updateLimit(limit)
}

// Check is an admission decision only; it never mutates subject state.
func (e *Engine) Check(subject string, kind model.LimitKind, amount int64) bool {
	if e.IsBanned(subject) {
		return false
	}
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, _ := s.checkLocked(time.Now(), kind, amount, false)
	return ok
}

// CheckWithPriority is Check, but subjects with priority > 5 get a 1.2x
// admission cap (spec §4.3, "Priority over-limit"). Plain Check is
// unaffected by priority.
func (e *Engine) CheckWithPriority(subject string, kind model.LimitKind, amount int64) bool {
	if e.IsBanned(subject) {
		return false
	}
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, _ := s.checkLocked(time.Now(), kind, amount, true)
	return ok
}

// Record appends amount events to subject's rolling window for kind at
// now, without first checking admission.
func (e *Engine) Record(subject string, kind model.LimitKind, amount int64) {
	s := e.subject(subject)
	s.mu.Lock()
	now := time.Now()
	s.recordLocked(now, kind, amount)
	due := dueForCleanupLocked(s, now)
	s.mu.Unlock()
	if due {
		go e.Cleanup()
	}
	e.observeUsage(subject, s, kind)
}

// Acquire performs Check then Record atomically; for reservation kinds
// (memory, GPU, concurrent-jobs) it also increments the currently-held
// counter. It returns *model.RateLimitExceeded if the subject is over
// quota, or model.ErrBanned if banned.
func (e *Engine) Acquire(subject string, kind model.LimitKind, amount int64) error {
	if e.IsBanned(subject) {
		return model.ErrBanned
	}
	s := e.subject(subject)
	s.mu.Lock()
	now := time.Now()
	ok, retryAfter := s.checkLocked(now, kind, amount, false)
	if !ok {
		s.mu.Unlock()
		if e.metrics != nil {
			e.metrics.Admissions.WithLabelValues("denied").Inc()
			e.metrics.Denials.WithLabelValues(string(kind)).Inc()
		}
		return &model.RateLimitExceeded{Kind: kind, RetryAfter: retryAfter}
	}
	s.recordLocked(now, kind, amount)
	if kind.ReservationKind() {
		s.held[kind] += amount
	}
	due := dueForCleanupLocked(s, now)
	s.mu.Unlock()
	if due {
		go e.Cleanup()
	}

	if e.metrics != nil {
		e.metrics.Admissions.WithLabelValues("admitted").Inc()
	}
	e.observeUsage(subject, s, kind)
	return nil
}

// Release decrements subject's currently-held counter for a reservation
// kind by amount, clamped at zero — release is idempotent and can never
// drive the counter negative (spec §8, "Release idempotence").
func (e *Engine) Release(subject string, kind model.LimitKind, amount int64) {
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !kind.ReservationKind() {
		return
	}
	s.held[kind] -= amount
	if s.held[kind] < 0 {
		s.held[kind] = 0
	}
}

// MarkJobStarted reserves one concurrent-job slot for subject, keyed by
// jobID so a retried start for the same job never double-counts (spec
// §4.3: "keyed by both subject and job id to prevent double-count").
func (e *Engine) MarkJobStarted(subject, jobID string) error {
	if e.IsBanned(subject) {
		return model.ErrBanned
	}
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, already := s.active[jobID]; already {
		return nil
	}
	ok, retryAfter := s.checkLocked(time.Now(), model.KindConcurrentJobs, 1, false)
	if !ok {
		if e.metrics != nil {
			e.metrics.Admissions.WithLabelValues("denied").Inc()
			e.metrics.Denials.WithLabelValues(string(model.KindConcurrentJobs)).Inc()
		}
		return &model.RateLimitExceeded{Kind: model.KindConcurrentJobs, RetryAfter: retryAfter}
	}
	s.active[jobID] = struct{}{}
	s.held[model.KindConcurrentJobs] = int64(len(s.active))
	return nil
}

// MarkJobCompleted releases jobID's concurrent-job slot for subject.
// Calling it for a job id that was never started, or twice for the same
// job id, is a no-op.
func (e *Engine) MarkJobCompleted(subject, jobID string) {
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[jobID]; !ok {
		return
	}
	delete(s.active, jobID)
	s.held[model.KindConcurrentJobs] = int64(len(s.active))
}

// Ban denies admission for subject for duration.
func (e *Engine) Ban(subject string, duration time.Duration) {
	e.bans.ban(subject, duration)
	e.logger.Printf("banned subject=%s duration=%s", subject, duration)
}

// Unban immediately lifts a ban on subject.
func (e *Engine) Unban(subject string) {
	e.bans.unban(subject)
}

// IsBanned reports whether subject is currently banned.
func (e *Engine) IsBanned(subject string) bool {
	banned := e.bans.isBanned(subject)
	if banned && e.metrics != nil {
		e.metrics.Admissions.WithLabelValues("banned").Inc()
	}
	return banned
}

// Usage reports a point-in-time snapshot of subject's consumption of
// kind.
func (e *Engine) Usage(subject string, kind model.LimitKind) model.UsageSnapshot {
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usageLocked(time.Now(), kind)
}

// ConsumerUsage pairs a subject id with its current usage of one kind,
// for TopConsumers.
type ConsumerUsage struct {
	Subject string
	Usage   model.UsageSnapshot
}

// TopConsumers reports the n subjects with the highest current usage of
// kind, descending.
func (e *Engine) TopConsumers(kind model.LimitKind, n int) []ConsumerUsage {
	e.mu.RLock()
	ids := make([]string, 0, len(e.subjects))
	states := make(map[string]*subjectState, len(e.subjects))
	for id, s := range e.subjects {
		ids = append(ids, id)
		states[id] = s
	}
	e.mu.RUnlock()

	now := time.Now()
	out := make([]ConsumerUsage, 0, len(ids))
	for _, id := range ids {
		s := states[id]
		s.mu.Lock()
		snap := s.usageLocked(now, kind)
		s.mu.Unlock()
		out = append(out, ConsumerUsage{Subject: id, Usage: snap})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Usage.Current > out[j].Usage.Current })
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// GlobalStats summarizes the Rate Engine's overall state.
type GlobalStats struct {
	SubjectCount int
	BannedCount  int
}

// GlobalUsageStats reports aggregate counters across all tracked
// subjects.
func (e *Engine) GlobalUsageStats() GlobalStats {
	e.mu.RLock()
	subjectCount := len(e.subjects)
	e.mu.RUnlock()

	e.bans.mu.RLock()
	bannedCount := len(e.bans.expiresAt)
	e.bans.mu.RUnlock()

	return GlobalStats{SubjectCount: subjectCount, BannedCount: bannedCount}
}

// MemoryFootprint estimates the bytes held by the engine's per-subject
// window and bucket state (original_source: getMemoryUsage). It is a
// cheap approximation, not an exact accounting.
func (e *Engine) MemoryFootprint() int64 {
	const perSubjectOverhead = 256
	const perEventBytes = 24

	e.mu.RLock()
	defer e.mu.RUnlock()

	var total int64
	for _, s := range e.subjects {
		s.mu.Lock()
		total += perSubjectOverhead
		for _, w := range s.windows {
			total += int64(len(w.events)) * perEventBytes
		}
		s.mu.Unlock()
	}
	return total
}

// ResetStats clears all recorded usage history for subject without
// touching its configured limits, priority, or active job set
// (original_source: resetUsageStats).
func (e *Engine) ResetStats(subject string) {
	s := e.subject(subject)
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind := range s.windows {
		s.windows[kind] = &slidingWindow{}
	}
}

func (e *Engine) observeUsage(subject string, s *subjectState, kind model.LimitKind) {
	if e.metrics == nil {
		return
	}
	s.mu.Lock()
	snap := s.usageLocked(time.Now(), kind)
	s.mu.Unlock()
	e.metrics.Usage.WithLabelValues(subject, string(kind)).Set(snap.Utilization)
}

func (e *Engine) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.Cleanup()
		case <-e.stopCleanup:
			return
		}
	}
}

// dueForCleanupLocked reports whether this subject's own bookkeeping
// shows the last maintenance pass is stale, so the cadence holds even
// under bursty load that never lets the ticker fire cleanly (spec
// §4.3: "opportunistically on each recording that finds its
// last-cleanup stamp older than that cadence"). Must be called with
// s.mu held; the caller is responsible for triggering Cleanup after
// releasing the lock.
func dueForCleanupLocked(s *subjectState, now time.Time) bool {
	if now.Sub(s.lastCleanup) < cleanupInterval {
		return false
	}
	s.lastCleanup = now
	return true
}

// Cleanup iterates all subjects, trims each window, and evicts subjects
// with no history and no active jobs or held reservations (spec §4.3,
// "Maintenance"). Expired bans are dropped lazily by the ban table's own
// ticker and on lookup.
func (e *Engine) Cleanup() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, s := range e.subjects {
		if s.empty(now) {
			delete(e.subjects, id)
		}
	}
}
