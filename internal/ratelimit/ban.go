package ratelimit

import (
	"sync"
	"time"
)

// banTable is a time-bounded denial map with lazy expiry-on-lookup,
// grounded on internal/security/attack_mitigation.go's NonceStore: same
// map[string]*entry + sync.RWMutex + ticker-driven cleanupLoop + Stop()
// channel shape, repurposed from nonce replay detection to IP ban
// expiry (spec §4.3: "a ban entry with expiry time t denies admission
// iff now < t").
type banTable struct {
	mu          sync.RWMutex
	expiresAt   map[string]time.Time
	stopCleanup chan struct{}
	metrics     *Metrics
}

func newBanTable(metrics *Metrics) *banTable {
	b := &banTable{
		expiresAt:   make(map[string]time.Time),
		stopCleanup: make(chan struct{}),
		metrics:     metrics,
	}
	go b.cleanupLoop()
	return b
}

// ban denies subject until now+duration.
func (b *banTable) ban(subject string, duration time.Duration) {
	b.mu.Lock()
	b.expiresAt[subject] = time.Now().Add(duration)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BanActions.WithLabelValues("ban").Inc()
	}
}

// unban lifts a ban immediately, regardless of its configured expiry.
func (b *banTable) unban(subject string) {
	b.mu.Lock()
	delete(b.expiresAt, subject)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BanActions.WithLabelValues("unban").Inc()
	}
}

// isBanned reports whether subject is currently banned, lazily dropping
// the entry if its expiry has already passed.
func (b *banTable) isBanned(subject string) bool {
	b.mu.RLock()
	expiry, ok := b.expiresAt[subject]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().Before(expiry) {
		return true
	}
	b.mu.Lock()
	delete(b.expiresAt, subject)
	b.mu.Unlock()
	return false
}

func (b *banTable) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.cleanup()
		case <-b.stopCleanup:
			return
		}
	}
}

func (b *banTable) cleanup() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for subject, expiry := range b.expiresAt {
		if !now.Before(expiry) {
			delete(b.expiresAt, subject)
		}
	}
}

func (b *banTable) stop() {
	close(b.stopCleanup)
}
