package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TaskCacheCleanup = "cache:cleanup"
	TaskDigestSource = "digest:source"
)

// Queue names with their priorities, as used by cmd/worker
const (
	QueueDigest      = "digest"
	QueueMaintenance = "maintenance"
)

type DigestPayload struct {
	Provider  string `json:"provider"`
	RequestID string `json:"request_id"`
}

// NewCleanupTask builds the periodic cache cleanup task
func NewCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskCacheCleanup, nil,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Timeout(30*time.Second))
}

// NewDigestTask builds a task that fetches provider and delivers its digest
func NewDigestTask(provider string) (*asynq.Task, error) {
	b, err := json.Marshal(DigestPayload{Provider: provider, RequestID: uuid.NewString()})
	if err != nil {
		return nil, fmt.Errorf("marshal digest payload: %w", err)
	}
	return asynq.NewTask(TaskDigestSource, b,
		asynq.Queue(QueueDigest),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute)), nil
}
