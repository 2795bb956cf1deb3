package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReceiptPostRetry re-attempts a stock posting that failed transiently.
	TaskReceiptPostRetry = "procurement:receipt_post_retry"
	// TaskIdempotencyCleanup prunes old idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ReceiptPostRetryPayload identifies the receipt to re-post and the actor who
// initiated the original posting.
type ReceiptPostRetryPayload struct {
	ReceiptID int64 `json:"receipt_id"`
	ActorID   int64 `json:"actor_id"`
}

// NewReceiptPostRetryTask constructs a posting retry task.
func NewReceiptPostRetryTask(payload ReceiptPostRetryPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReceiptPostRetry, data, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs the cleanup task, normally registered
// on a cron schedule.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil, asynq.Queue(QueueDefault))
}

// ScheduleReceiptPost enqueues a posting retry with a short delay and a
// bounded retry budget. Satisfies the procurement retry scheduler port.
func (c *Client) ScheduleReceiptPost(ctx context.Context, receiptID, actorID int64) error {
	task, err := NewReceiptPostRetryTask(ReceiptPostRetryPayload{ReceiptID: receiptID, ActorID: actorID})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(30*time.Second),
		asynq.MaxRetry(10),
		asynq.Queue(QueueDefault))
	return err
}
