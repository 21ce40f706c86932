package ratelimit

import (
	"testing"
	"time"

	"github.com/sandrun/compute/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotaWithLimit(kind model.LimitKind, limit int64, window time.Duration) model.SubjectQuota {
	return model.SubjectQuota{
		SubjectID: "s1",
		Limits:    []model.RateLimit{{Kind: kind, Limit: limit, Window: window}},
	}
}

// Scenario 5 (spec §8): limit 10 requests/second, 15 requests fired in
// 100ms. Exactly 10 admit, the remaining 5 deny with RateLimitExceeded
// and a positive RetryAfter.
func TestEngine_SlidingWindowAdmitsExactlyLimit(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("client-a", quotaWithLimit(model.KindRequestsPerSecond, 10, time.Second))

	admitted, denied := 0, 0
	for i := 0; i < 15; i++ {
		err := e.Acquire("client-a", model.KindRequestsPerSecond, 1)
		if err == nil {
			admitted++
			continue
		}
		denied++
		var rle *model.RateLimitExceeded
		require.ErrorAs(t, err, &rle)
		assert.Equal(t, model.KindRequestsPerSecond, rle.Kind)
		assert.Greater(t, rle.RetryAfter, time.Duration(0))
	}

	assert.Equal(t, 10, admitted)
	assert.Equal(t, 5, denied)
}

func TestEngine_SlidingWindowRecoversAfterWindow(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("client-a", quotaWithLimit(model.KindRequestsPerSecond, 1, 50*time.Millisecond))

	require.NoError(t, e.Acquire("client-a", model.KindRequestsPerSecond, 1))
	assert.Error(t, e.Acquire("client-a", model.KindRequestsPerSecond, 1))

	time.Sleep(60 * time.Millisecond)
	assert.NoError(t, e.Acquire("client-a", model.KindRequestsPerSecond, 1))
}

func TestEngine_BurstAllowanceAdmitsAboveBaseLimit(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("client-a", model.SubjectQuota{
		SubjectID: "client-a",
		Limits: []model.RateLimit{{
			Kind: model.KindRequestsPerSecond, Limit: 2, Window: time.Second,
			BurstLimit: 4, BurstWindow: 200 * time.Millisecond,
		}},
	})

	for i := 0; i < 4; i++ {
		assert.NoError(t, e.Acquire("client-a", model.KindRequestsPerSecond, 1))
	}
	assert.Error(t, e.Acquire("client-a", model.KindRequestsPerSecond, 1))
}

// Scenario 6 (spec §8), with its times scaled down: ban an IP for 50ms;
// banned at t=0 and t=20ms, no longer banned at t=80ms.
func TestEngine_BanHonoredUntilExpiry(t *testing.T) {
	e := NewEngine()
	defer e.Stop()

	e.Ban("192.0.2.1", 50*time.Millisecond)
	assert.True(t, e.IsBanned("192.0.2.1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, e.IsBanned("192.0.2.1"))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, e.IsBanned("192.0.2.1"))
}

func TestEngine_UnbanLiftsImmediately(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.Ban("192.0.2.5", time.Hour)
	require.True(t, e.IsBanned("192.0.2.5"))
	e.Unban("192.0.2.5")
	assert.False(t, e.IsBanned("192.0.2.5"))
}

func TestEngine_ConcurrentJobCapNeverExceeded(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindConcurrentJobs, 2, 0))

	require.NoError(t, e.MarkJobStarted("subj", "job-1"))
	require.NoError(t, e.MarkJobStarted("subj", "job-2"))
	err := e.MarkJobStarted("subj", "job-3")
	assert.Error(t, err)

	e.MarkJobCompleted("subj", "job-1")
	assert.NoError(t, e.MarkJobStarted("subj", "job-3"))
}

func TestEngine_MarkJobStartedIsIdempotentPerJobID(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindConcurrentJobs, 1, 0))

	require.NoError(t, e.MarkJobStarted("subj", "job-1"))
	// Re-marking the same job id must not double-count against the cap.
	require.NoError(t, e.MarkJobStarted("subj", "job-1"))
	assert.Equal(t, int64(1), e.Usage("subj", model.KindConcurrentJobs).Current)
}

func TestEngine_ReleaseClampsAtZero(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindMemoryUsage, 1024, 0))

	require.NoError(t, e.Acquire("subj", model.KindMemoryUsage, 100))
	e.Release("subj", model.KindMemoryUsage, 500) // over-release
	e.Release("subj", model.KindMemoryUsage, 500)
	assert.Equal(t, int64(0), e.Usage("subj", model.KindMemoryUsage).Current)
}

func TestEngine_PriorityOverLimitOnlyAffectsCheckWithPriority(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("vip", model.SubjectQuota{
		SubjectID: "vip",
		Priority:  10,
		Limits:    []model.RateLimit{{Kind: model.KindRequestsPerSecond, Limit: 10, Window: time.Second}},
	})

	for i := 0; i < 10; i++ {
		e.Record("vip", model.KindRequestsPerSecond, 1)
	}
	assert.False(t, e.Check("vip", model.KindRequestsPerSecond, 1), "standard check must ignore priority")
	assert.True(t, e.CheckWithPriority("vip", model.KindRequestsPerSecond, 1), "priority path should admit up to 1.2x")
}

func TestEngine_CheckDoesNotMutateState(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindRequestsPerSecond, 1, time.Second))

	for i := 0; i < 5; i++ {
		e.Check("subj", model.KindRequestsPerSecond, 1)
	}
	assert.Equal(t, int64(0), e.Usage("subj", model.KindRequestsPerSecond).Current)
}

func TestEngine_BannedSubjectAlwaysDenied(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindRequestsPerSecond, 100, time.Second))
	e.Ban("subj", time.Hour)

	assert.False(t, e.Check("subj", model.KindRequestsPerSecond, 1))
	assert.ErrorIs(t, e.Acquire("subj", model.KindRequestsPerSecond, 1), model.ErrBanned)
}

func TestEngine_CleanupEvictsIdleSubjects(t *testing.T) {
	e := NewEngine()
	defer e.Stop()
	e.SetQuota("subj", quotaWithLimit(model.KindRequestsPerSecond, 10, 10*time.Millisecond))
	require.NoError(t, e.Acquire("subj", model.KindRequestsPerSecond, 1))

	time.Sleep(20 * time.Millisecond)
	e.Cleanup()

	stats := e.GlobalUsageStats()
	assert.Equal(t, 0, stats.SubjectCount)
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	b := NewTokenBucket(5, 5, time.Second)
	now := time.Now()

	for i := 0; i < 5; i++ {
		assert.True(t, b.AllowAt(now, 1))
	}
	assert.False(t, b.AllowAt(now, 1))

	later := now.Add(400 * time.Millisecond)
	assert.True(t, b.AllowAt(later, 1))
	assert.True(t, b.AllowAt(later, 1))
	assert.False(t, b.AllowAt(later, 1))
}

func TestTokenBucket_NeverExceedsCapacity(t *testing.T) {
	b := NewTokenBucket(3, 100, time.Second)
	later := time.Now().Add(time.Hour)
	assert.InDelta(t, 3, b.Tokens(), 0.01)
	assert.True(t, b.AllowAt(later, 3))
	assert.False(t, b.AllowAt(later, 1))
}
