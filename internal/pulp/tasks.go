package pulp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/release-engineering/dockpulp/internal/common"
	"github.com/release-engineering/dockpulp/pkg/logger"
)

// Task states the server reports.
const (
	TaskRunning  = "running"
	TaskWaiting  = "waiting"
	TaskFinished = "finished"
	TaskError    = "error"
	TaskCanceled = "canceled"
	TaskSkipped  = "skipped"
)

// Task is a server-side asynchronous unit of work.
type Task struct {
	ID         string      `json:"task_id"`
	State      string      `json:"state"`
	StartTime  string      `json:"start_time"`
	FinishTime string      `json:"finish_time"`
	Traceback  string      `json:"traceback"`
	Result     *TaskResult `json:"result"`
}

// TaskResult is polymorphic on the wire: an object carrying success_flag, a
// bare string, or absent entirely.
type TaskResult struct {
	SuccessFlag *bool
	Value       string
}

func (r *TaskResult) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Value = s
		return nil
	}
	var obj struct {
		SuccessFlag *bool  `json:"success_flag"`
		Result      string `json:"result"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		// Unknown result shapes are not an error; the state decides.
		return nil
	}
	r.SuccessFlag = obj.SuccessFlag
	r.Value = obj.Result
	return nil
}

// Terminal reports whether the task has stopped moving.
func (t *Task) Terminal() bool {
	switch t.State {
	case TaskFinished, TaskError, TaskCanceled, TaskSkipped:
		return true
	}
	return false
}

// Succeeded applies the task success table: finished succeeds unless the
// result carries an explicit false success_flag; canceled succeeds only with
// a positive result; skipped succeeds; error never does.
func (t *Task) Succeeded() bool {
	switch t.State {
	case TaskFinished:
		if t.Result != nil && t.Result.SuccessFlag != nil && !*t.Result.SuccessFlag {
			return false
		}
		return true
	case TaskSkipped:
		return true
	case TaskCanceled:
		if t.Result == nil {
			return false
		}
		if t.Result.SuccessFlag != nil && *t.Result.SuccessFlag {
			return true
		}
		return t.Result.Value == "success" || t.Result.Value == "skipped"
	default:
		return false
	}
}

// GetTask fetches the current state of one task.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	if err := c.getJSON(ctx, "/tasks/"+id+"/", nil, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = id
	}
	return &task, nil
}

// WatchTask polls a task every poll interval until it reaches a terminal
// state or timeout elapses (zero means no limit beyond ctx). A failed task
// surfaces the server traceback under the task error kind; running out of
// time surfaces a timeout error carrying the task id.
func (c *Client) WatchTask(ctx context.Context, id string, timeout time.Duration) (*Task, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			// A poll cut short by the deadline is a timeout, not a
			// server failure.
			if ctx.Err() != nil {
				return nil, &common.Error{Kind: common.ErrTimeout, Message: "timed out waiting for task", TaskID: id}
			}
			return nil, err
		}
		if task.Terminal() {
			if !task.Succeeded() {
				return task, &common.Error{
					Kind:    common.ErrTask,
					Message: "task ended in state " + task.State + taskTraceback(task),
					TaskID:  id,
				}
			}
			return task, nil
		}
		logger.Debug("task still running", "task", id, "state", task.State)

		select {
		case <-ctx.Done():
			return task, &common.Error{Kind: common.ErrTimeout, Message: "timed out waiting for task", TaskID: id}
		case <-ticker.C:
		}
	}
}

func taskTraceback(t *Task) string {
	if t.Traceback == "" {
		return ""
	}
	return ": " + t.Traceback
}
