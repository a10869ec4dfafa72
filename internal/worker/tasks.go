package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/victorarias/tether/internal/metrics"
	"github.com/victorarias/tether/internal/protocol"
)

// outboxSize caps results held back while the socket is down.
const outboxSize = 64

// handleServerMessage is the connection manager's frame handler. It runs on
// the socket read goroutine, so tasks are executed elsewhere.
func (r *Runtime) handleServerMessage(kind string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.FetchTask:
		r.startTask(m.TaskDescriptor)
	case *protocol.TaskQueue:
		r.cacheQueue(m.Tasks)
	case *protocol.TaskAssigned:
		r.emitLog(protocol.LevelInfo, fmt.Sprintf("task %s assigned (%s)", m.TaskID, m.Platform))
	case *protocol.Pong:
	default:
		r.logf("ignoring server frame %s", kind)
	}
}

func (r *Runtime) startTask(task protocol.TaskDescriptor) {
	select {
	case <-r.taskCtx.Done():
		return
	default:
	}
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		r.runTask(r.taskCtx, task)
	}()
}

func (r *Runtime) runTask(ctx context.Context, task protocol.TaskDescriptor) {
	state := r.cfg.State
	label := task.Platform + ":" + task.TaskID
	if err := state.SetActiveTask(ctx, label); err != nil {
		r.logf("set active task: %v", err)
	}
	r.emitLog(protocol.LevelInfo, fmt.Sprintf("task %s started (%s %s)", task.TaskID, task.Request.Method, task.Request.URL))

	result := r.exec.Execute(ctx, task)
	r.sendResult(ctx, result)
	r.recordResult(ctx, task, result)

	metrics.TaskDurationSeconds.WithLabelValues(task.Platform).Observe(float64(result.DurationMs) / 1000)
	switch {
	case result.LoginExpired:
		metrics.TasksProcessed.WithLabelValues(task.Platform, "login_expired").Inc()
		r.emitLog(protocol.LevelError, fmt.Sprintf("task %s: %s login expired", task.TaskID, task.Platform))
		r.emit(&protocol.LoginExpired{Platform: task.Platform, TaskID: task.TaskID})
	case result.Success:
		metrics.TasksProcessed.WithLabelValues(task.Platform, "success").Inc()
		r.emitLog(protocol.LevelSuccess, fmt.Sprintf("task %s done in %dms (retries %d)", task.TaskID, result.DurationMs, result.Retries))
	default:
		metrics.TasksProcessed.WithLabelValues(task.Platform, "failed").Inc()
		r.emitLog(protocol.LevelError, fmt.Sprintf("task %s failed after %d retries: %s", task.TaskID, result.Retries, result.Error))
	}
}

// recordResult updates the persisted counters and flags for a finished task.
// task_count and login_expired are read-modify-write, so concurrent tasks
// take turns.
func (r *Runtime) recordResult(ctx context.Context, task protocol.TaskDescriptor, result protocol.TaskResult) {
	state := r.cfg.State
	r.recordMu.Lock()
	defer r.recordMu.Unlock()

	if _, err := state.IncrementTaskCount(ctx); err != nil {
		r.logf("increment task count: %v", err)
	}
	if err := state.SetLastSync(ctx, time.Now()); err != nil {
		r.logf("set last sync: %v", err)
	}
	if err := state.SetActiveTask(ctx, ""); err != nil {
		r.logf("clear active task: %v", err)
	}
	switch {
	case result.LoginExpired:
		if err := state.SetLoginExpired(ctx, task.Platform, true); err != nil {
			r.logf("set login expired: %v", err)
		}
	case result.Success:
		if err := state.SetLoginExpired(ctx, task.Platform, false); err != nil {
			r.logf("clear login expired: %v", err)
		}
	}
}

// sendResult reports the result, holding it for the next connection when
// the socket is down.
func (r *Runtime) sendResult(ctx context.Context, result protocol.TaskResult) {
	err := r.manager.Send(ctx, &protocol.TaskResultMessage{TaskResult: result})
	if err == nil {
		return
	}
	r.logf("task %s result held: %v", result.TaskID, err)

	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	r.outbox = append(r.outbox, result)
	if over := len(r.outbox) - outboxSize; over > 0 {
		for _, dropped := range r.outbox[:over] {
			r.logf("task %s result dropped: outbox full", dropped.TaskID)
		}
		r.outbox = append([]protocol.TaskResult(nil), r.outbox[over:]...)
	}
}

// flushOutbox resends held results after a reconnect.
func (r *Runtime) flushOutbox() {
	r.outboxMu.Lock()
	pending := r.outbox
	r.outbox = nil
	r.outboxMu.Unlock()

	for i, result := range pending {
		if err := r.manager.Send(r.taskCtx, &protocol.TaskResultMessage{TaskResult: result}); err != nil {
			r.outboxMu.Lock()
			r.outbox = append(append([]protocol.TaskResult(nil), pending[i:]...), r.outbox...)
			r.outboxMu.Unlock()
			return
		}
		r.logf("task %s held result delivered", result.TaskID)
	}
}

func (r *Runtime) cacheQueue(tasks json.RawMessage) {
	ctx, cancel := context.WithTimeout(r.taskCtx, 5*time.Second)
	defer cancel()
	if err := r.cfg.State.SetTaskQueue(ctx, tasks); err != nil {
		r.logf("cache task queue: %v", err)
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(tasks, &items); err == nil {
		r.logf("task queue updated: %d tasks", len(items))
	}
}
