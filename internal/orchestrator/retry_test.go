package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrapehub/internal/domain"
)

func retryTestConfig() domain.RetryConfig {
	rc := domain.DefaultRetryConfig()
	rc.MaxRetries = 3
	rc.InitialDelay = 100 * time.Millisecond
	rc.MaxDelay = time.Second
	rc.Multiplier = 2.0
	rc.Jitter = false
	return rc
}

func TestRetryManager_BackoffGrowsPerAttempt(t *testing.T) {
	rm := newRetryManager(retryTestConfig())

	retry, delay := rm.RecordFailure("t1", "transient failure")
	require.True(t, retry)
	assert.Equal(t, 200*time.Millisecond, delay)

	retry, delay = rm.RecordFailure("t1", "transient failure")
	require.True(t, retry)
	assert.Equal(t, 400*time.Millisecond, delay)

	// Third failure exhausts MaxRetries=3.
	retry, _ = rm.RecordFailure("t1", "transient failure")
	assert.False(t, retry)
}

func TestRetryManager_DelayCappedAtMax(t *testing.T) {
	cfg := retryTestConfig()
	cfg.MaxRetries = 10
	rm := newRetryManager(cfg)

	var delay time.Duration
	for i := 0; i < 6; i++ {
		_, delay = rm.RecordFailure("t1", "timeout")
	}
	assert.Equal(t, time.Second, delay)
}

func TestRetryManager_NonRetryableErrorGoesStraightToExhausted(t *testing.T) {
	rm := newRetryManager(retryTestConfig())
	retry, _ := rm.RecordFailure("t1", "op=scraper.fetch: format drift: jobs key missing")
	assert.False(t, retry)
}

func TestRetryManager_ToDLQCarriesHistory(t *testing.T) {
	rm := newRetryManager(retryTestConfig())
	rm.RecordFailure("t1", "transient failure")
	rm.RecordFailure("t1", "blocked by target")

	task := domain.Task{ID: "t1", Source: domain.SourceRSS}
	dlq := rm.ToDLQ(task, "blocked by target")

	assert.Equal(t, "t1", dlq.TaskID)
	assert.Equal(t, task.Source, dlq.OriginalTask.Source)
	assert.Equal(t, domain.RetryStatusDLQ, dlq.RetryInfo.RetryStatus)
	assert.Equal(t, 2, dlq.RetryInfo.AttemptCount)
	assert.Equal(t, []string{"transient failure", "blocked by target"}, dlq.RetryInfo.ErrorHistory)
	assert.False(t, dlq.MovedToDLQAt.IsZero())

	// Bookkeeping is gone: a later failure starts a fresh history.
	retry, _ := rm.RecordFailure("t1", "timeout")
	assert.True(t, retry)
}

func TestRetryManager_ForgetDropsState(t *testing.T) {
	rm := newRetryManager(retryTestConfig())
	rm.RecordFailure("t1", "timeout")
	rm.RecordFailure("t1", "timeout")
	rm.Forget("t1")

	_, delay := rm.RecordFailure("t1", "timeout")
	assert.Equal(t, 200*time.Millisecond, delay, "counter restarted after Forget")
}
