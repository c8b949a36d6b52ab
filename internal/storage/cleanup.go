package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/oidc-rp/internal/log"
)

// Sweeper drops expired entries from an in-memory store and returns how
// many it removed.
type Sweeper interface {
	Sweep(now time.Time) int
}

// CleanupManager handles periodic cleanup of expired sessions and, when
// login state lives in memory, of abandoned login attempts.
type CleanupManager struct {
	sessions SessionStore
	sweepers []Sweeper
	interval time.Duration
	stopChan chan struct{}
	doneChan chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(sessions SessionStore, interval time.Duration, sweepers ...Sweeper) *CleanupManager {
	return &CleanupManager{
		sessions: sessions,
		sweepers: sweepers,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the cleanup loop in a goroutine
func (cm *CleanupManager) Start(ctx context.Context) {
	log.LogInfoWithFields("cleanup", "Starting cleanup manager", map[string]any{
		"interval": cm.interval.String(),
	})

	if !cm.started.CompareAndSwap(false, true) {
		return
	}
	go cm.run(ctx)
}

// Stop gracefully stops the cleanup loop. It is a no-op if the loop was
// never started, and safe to call more than once.
func (cm *CleanupManager) Stop() {
	if !cm.started.Load() {
		return
	}
	cm.stopOnce.Do(func() {
		log.LogInfo("Stopping cleanup manager...")
		close(cm.stopChan)
		<-cm.doneChan
		log.LogInfo("Cleanup manager stopped")
	})
}

func (cm *CleanupManager) run(ctx context.Context) {
	defer close(cm.doneChan)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.cleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.cleanup(ctx)
		case <-cm.stopChan:
			cm.cleanup(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (cm *CleanupManager) cleanup(ctx context.Context) {
	swept := 0
	for _, s := range cm.sweepers {
		swept += s.Sweep(time.Now())
	}
	if swept > 0 {
		log.LogDebugWithFields("cleanup", "Swept expired login attempts", map[string]any{
			"count": swept,
		})
	}

	count, err := cm.sessions.CleanupExpiredSessions(ctx)
	if err != nil {
		log.LogErrorWithFields("cleanup", "Failed to cleanup expired sessions", map[string]any{
			"error": err.Error(),
		})
		return
	}

	if count > 0 {
		log.LogInfoWithFields("cleanup", "Cleaned up expired sessions", map[string]any{
			"count": count,
		})
	}
}
