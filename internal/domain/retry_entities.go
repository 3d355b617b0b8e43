// Retry and DLQ entities for resilient task processing.
package domain

import (
	"math"
	"strings"
	"time"
)

// RetryStatus represents the retry state of a task.
type RetryStatus string

const (
	RetryStatusNone      RetryStatus = "none"
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusExhausted RetryStatus = "exhausted"
	RetryStatusDLQ       RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for failed scrape tasks.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// RetryableErrors / NonRetryableErrors match on error substrings for
	// failures that arrive as opaque strings (e.g. from the DLQ payload).
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"transient failure",
			"blocked by target",
			"circuit open",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"quota exhausted",
			"format drift",
		},
	}
}

// RetryInfo tracks retry attempts for a task across requeues.
type RetryInfo struct {
	AttemptCount  int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry decides whether the last failure warrants another attempt.
func (ri *RetryInfo) ShouldRetry(lastError string, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}
	for _, nonRetryable := range config.NonRetryableErrors {
		if strings.Contains(lastError, nonRetryable) {
			return false
		}
	}
	for _, retryable := range config.RetryableErrors {
		if strings.Contains(lastError, retryable) {
			return true
		}
	}
	// Unknown errors default to retryable.
	return true
}

// NextDelay computes the exponential backoff delay for the next attempt.
func (ri *RetryInfo) NextDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.Multiplier, float64(ri.AttemptCount)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		delay += time.Duration(float64(delay) * 0.1)
	}
	return delay
}

// RecordAttempt updates the retry info after a failed attempt.
func (ri *RetryInfo) RecordAttempt(errMsg string) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if errMsg != "" {
		ri.LastError = errMsg
		ri.ErrorHistory = append(ri.ErrorHistory, errMsg)
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the DLQ.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// DLQTask is a task that exhausted its retries, published to the DLQ
// topic with its failure history for operator inspection.
type DLQTask struct {
	TaskID        string    `json:"task_id"`
	OriginalTask  Task      `json:"original_task"`
	RetryInfo     RetryInfo `json:"retry_info"`
	FailureReason string    `json:"failure_reason"`
	MovedToDLQAt  time.Time `json:"moved_to_dlq_at"`
}
