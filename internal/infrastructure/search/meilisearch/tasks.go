package meilisearch

import (
	"context"
	"fmt"
	"time"
)

type taskRef struct {
	TaskUID int64 `json:"taskUid"`
}

type taskStatus struct {
	UID    int64  `json:"uid"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// TaskError is a write task that Meilisearch accepted and later failed.
type TaskError struct {
	UID     int64
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("meilisearch task %d failed: %s: %s", e.UID, e.Code, e.Message)
}

// waitTask polls until the enqueued write settles, so a successful return
// means the document is searchable.
func (c *Client) waitTask(ctx context.Context, uid int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.taskTimeout)
	defer cancel()

	wait := c.pollEvery
	for {
		var status taskStatus
		if err := c.doJSON(ctx, "GET", fmt.Sprintf("/tasks/%d", uid), nil, &status, "get task"); err != nil {
			return err
		}
		switch status.Status {
		case "succeeded":
			return nil
		case "failed", "canceled":
			taskErr := &TaskError{UID: uid, Code: status.Status}
			if status.Error != nil {
				taskErr.Code = status.Error.Code
				taskErr.Message = status.Error.Message
			}
			return taskErr
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait meilisearch task %d: %w", uid, ctx.Err())
		case <-timer.C:
		}
		if wait < 500*time.Millisecond {
			wait *= 2
		}
	}
}
