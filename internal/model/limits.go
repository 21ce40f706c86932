package model

import "time"

// LimitKind is one dimension of rate limiting (spec §3, "Rate limit").
// Carried forward from original_source/include/rate_limiter.h's
// LimitType enum.
type LimitKind string

const (
	KindRequestsPerSecond LimitKind = "requests_per_second"
	KindRequestsPerMinute LimitKind = "requests_per_minute"
	KindRequestsPerHour   LimitKind = "requests_per_hour"
	KindRequestsPerDay    LimitKind = "requests_per_day"
	KindConcurrentJobs    LimitKind = "concurrent_jobs"
	KindMemoryUsage       LimitKind = "memory_usage"
	KindGPUUsage          LimitKind = "gpu_usage"
	KindBandwidth         LimitKind = "bandwidth"
)

// ReservationKind reports whether a kind holds capacity for the duration
// of a job rather than merely counting events per window (§ Glossary).
func (k LimitKind) ReservationKind() bool {
	switch k {
	case KindConcurrentJobs, KindMemoryUsage, KindGPUUsage:
		return true
	default:
		return false
	}
}

// RateLimit configures one limit dimension for a subject.
type RateLimit struct {
	Kind        LimitKind
	Limit       int64
	Window      time.Duration
	BurstLimit  int64         // 0 = no burst allowance
	BurstWindow time.Duration // only meaningful when BurstLimit > 0
}

// UsageSnapshot is a point-in-time read of one kind's consumption.
type UsageSnapshot struct {
	Kind        LimitKind
	Current     int64
	Capacity    int64
	ResetTime   time.Time
	Utilization float64 // Current / Capacity, in [0, 1+] (can exceed 1 with burst/priority)
}

// SubjectQuota is the per-subject state the Rate Engine tracks (spec §3).
type SubjectQuota struct {
	SubjectID    string
	Limits       []RateLimit
	Priority     int // > 5 grants the 1.2x admission cap on CheckWithPriority
	Premium      bool
	ActiveJobIDs map[string]struct{}
}
