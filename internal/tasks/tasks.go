package tasks

import (
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeKeyGeneration = "key:generation"
	TypeKeySign       = "key:sign"

	QUEUE_NAME = "mpc:coordinator"
)

// ErrTaskInProgress is returned while a ceremony task has not finished yet;
// clients poll until the result is available.
var ErrTaskInProgress = errors.New("task is still in progress")

// GetTaskResult returns the result bytes a completed task wrote through its
// ResultWriter.
func GetTaskResult(inspector *asynq.Inspector, taskID string) ([]byte, error) {
	task, err := inspector.GetTaskInfo(QUEUE_NAME, taskID)
	if err != nil {
		return nil, fmt.Errorf("fail to find task, err: %w", err)
	}
	switch task.State {
	case asynq.TaskStateCompleted:
		return task.Result, nil
	case asynq.TaskStatePending, asynq.TaskStateActive, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return nil, ErrTaskInProgress
	default:
		return nil, fmt.Errorf("task %s is in state %s", taskID, task.State)
	}
}
