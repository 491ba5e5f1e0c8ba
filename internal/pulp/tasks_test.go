package pulp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/release-engineering/dockpulp/internal/common"
)

func boolPtr(b bool) *bool { return &b }

func TestTaskSucceeded(t *testing.T) {
	cases := []struct {
		name string
		task Task
		want bool
	}{
		{"finished no result", Task{State: TaskFinished}, true},
		{"finished flag true", Task{State: TaskFinished, Result: &TaskResult{SuccessFlag: boolPtr(true)}}, true},
		{"finished flag false", Task{State: TaskFinished, Result: &TaskResult{SuccessFlag: boolPtr(false)}}, false},
		{"skipped", Task{State: TaskSkipped}, true},
		{"error", Task{State: TaskError}, false},
		{"error with flag", Task{State: TaskError, Result: &TaskResult{SuccessFlag: boolPtr(true)}}, false},
		{"canceled no result", Task{State: TaskCanceled}, false},
		{"canceled flag true", Task{State: TaskCanceled, Result: &TaskResult{SuccessFlag: boolPtr(true)}}, true},
		{"canceled flag false", Task{State: TaskCanceled, Result: &TaskResult{SuccessFlag: boolPtr(false)}}, false},
		{"canceled result success", Task{State: TaskCanceled, Result: &TaskResult{Value: "success"}}, true},
		{"canceled result skipped", Task{State: TaskCanceled, Result: &TaskResult{Value: "skipped"}}, true},
		{"canceled result other", Task{State: TaskCanceled, Result: &TaskResult{Value: "aborted"}}, false},
		{"running", Task{State: TaskRunning}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.task.Succeeded())
		})
	}
}

func TestTaskTerminal(t *testing.T) {
	for state, terminal := range map[string]bool{
		TaskFinished: true,
		TaskError:    true,
		TaskCanceled: true,
		TaskSkipped:  true,
		TaskRunning:  false,
		TaskWaiting:  false,
	} {
		assert.Equal(t, terminal, (&Task{State: state}).Terminal(), state)
	}
}

func TestTaskResult_UnmarshalVariants(t *testing.T) {
	var task Task
	require.NoError(t, json.Unmarshal([]byte(`{"state":"finished","result":{"success_flag":false,"result":"failed"}}`), &task))
	require.NotNil(t, task.Result)
	require.NotNil(t, task.Result.SuccessFlag)
	assert.False(t, *task.Result.SuccessFlag)
	assert.Equal(t, "failed", task.Result.Value)

	task = Task{}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"canceled","result":"success"}`), &task))
	require.NotNil(t, task.Result)
	assert.Nil(t, task.Result.SuccessFlag)
	assert.Equal(t, "success", task.Result.Value)

	task = Task{}
	require.NoError(t, json.Unmarshal([]byte(`{"state":"finished","result":[1,2]}`), &task))
	require.NotNil(t, task.Result)
	assert.True(t, task.Succeeded())
}

func TestWatchTask_PollsUntilFinished(t *testing.T) {
	var polls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := TaskRunning
		if polls.Add(1) >= 3 {
			state = TaskFinished
		}
		writeJSON(t, w, http.StatusOK, map[string]string{"task_id": "t1", "state": state})
	}))

	task, err := c.WatchTask(context.Background(), "t1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, TaskFinished, task.State)
	assert.Equal(t, int32(3), polls.Load())
}

func TestWatchTask_FailureCarriesTraceback(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{
			"task_id":   "t1",
			"state":     TaskError,
			"traceback": "Traceback: boom",
		})
	}))

	_, err := c.WatchTask(context.Background(), "t1", time.Second)
	require.Error(t, err)
	assert.Equal(t, common.ErrTask, common.KindOf(err))
	assert.Contains(t, err.Error(), "boom")

	var ce *common.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "t1", ce.TaskID)
}

func TestWatchTask_Timeout(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]string{"task_id": "t1", "state": TaskRunning})
	}))

	_, err := c.WatchTask(context.Background(), "t1", 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, common.ErrTimeout, common.KindOf(err))

	var ce *common.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "t1", ce.TaskID)
}

func TestWatchTask_TimeoutDuringPoll(t *testing.T) {
	// The server never answers, so the deadline expires inside GetTask
	// rather than between polls. That must still surface as a timeout
	// carrying the task id, not as a server error.
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	_, err := c.WatchTask(context.Background(), "t1", 30*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, common.ErrTimeout, common.KindOf(err))

	var ce *common.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "t1", ce.TaskID)
}
