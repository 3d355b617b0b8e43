package orchestrator

import (
	"sync"
	"time"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

// retryManager tracks retry bookkeeping per task across requeues and
// decides when a task moves to the dead letter topic.
type retryManager struct {
	mu     sync.Mutex
	config domain.RetryConfig
	infos  map[string]*domain.RetryInfo
}

func newRetryManager(config domain.RetryConfig) *retryManager {
	return &retryManager{
		config: config,
		infos:  make(map[string]*domain.RetryInfo),
	}
}

func (rm *retryManager) infoFor(taskID string) *domain.RetryInfo {
	ri, ok := rm.infos[taskID]
	if !ok {
		now := time.Now()
		ri = &domain.RetryInfo{RetryStatus: domain.RetryStatusNone, CreatedAt: now, UpdatedAt: now}
		rm.infos[taskID] = ri
	}
	return ri
}

// RecordFailure registers a failed attempt and reports whether the task
// should be requeued, along with the backoff delay before the next try.
func (rm *retryManager) RecordFailure(taskID, errMsg string) (retry bool, delay time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ri := rm.infoFor(taskID)
	ri.RecordAttempt(errMsg)
	if !ri.ShouldRetry(errMsg, rm.config) {
		ri.MarkAsExhausted()
		return false, 0
	}
	ri.RetryStatus = domain.RetryStatusRetrying
	delay = ri.NextDelay(rm.config)
	ri.NextRetryAt = time.Now().Add(delay)
	return true, delay
}

// ToDLQ builds the dead letter payload for an exhausted task and drops
// its bookkeeping.
func (rm *retryManager) ToDLQ(task domain.Task, reason string) domain.DLQTask {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	ri := rm.infoFor(task.ID)
	ri.MarkAsDLQ()
	dlq := domain.DLQTask{
		TaskID:        task.ID,
		OriginalTask:  task,
		RetryInfo:     *ri,
		FailureReason: reason,
		MovedToDLQAt:  time.Now(),
	}
	delete(rm.infos, task.ID)
	return dlq
}

// Forget drops bookkeeping for a task that reached a terminal state.
func (rm *retryManager) Forget(taskID string) {
	rm.mu.Lock()
	delete(rm.infos, taskID)
	rm.mu.Unlock()
}
