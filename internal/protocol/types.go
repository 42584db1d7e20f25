package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Recognized bind_kwargs values. When a task names one of these, the
// dispatcher injects the corresponding kwarg before delivery.
const (
	BindDispatchTime = "dispatch_time"
	BindWorkerTasks  = "worker_tasks"
)

// controlQuit marks the sentinel that tells a worker process to exit after
// draining no further work.
const controlQuit = "quit"

// Task is the unit of work placed on a worker's inbound queue. Beyond the
// correlation id the dispatcher treats the payload as opaque; Name is only
// inspected for the stuck-management-task watchdog and for log messages.
type Task struct {
	UUID   string         `json:"uuid"`
	Name   string         `json:"task,omitempty"`
	Args   []any          `json:"args,omitempty"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
	// Errbacks are failure-callback tasks, never inspected by the
	// dispatcher, redelivered as work when the handle running this task is
	// found dead.
	Errbacks   []*Task  `json:"errbacks,omitempty"`
	BindKwargs []string `json:"bind_kwargs,omitempty"`
	GUID       string   `json:"guid,omitempty"`
	Control    string   `json:"control,omitempty"`

	// Watchdog bookkeeping, stamped by the cleanup cycle on first
	// observation of a long-running management task.
	Started *time.Time `json:"started,omitempty"`
	Age     float64    `json:"age,omitempty"`
}

// Quit returns the sentinel task meaning "exit after draining no further work".
func Quit() *Task {
	return &Task{UUID: uuid.NewString(), Control: controlQuit}
}

// IsQuit reports whether t is the quit sentinel rather than real work.
func (t *Task) IsQuit() bool {
	return t != nil && t.Control == controlQuit
}

// EnsureUUID backfills a generated correlation id if the task lacks one, and
// returns the id in effect.
func (t *Task) EnsureUUID() string {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	return t.UUID
}

// SetKwarg sets a single kwarg, allocating the map on first use.
func (t *Task) SetKwarg(key string, value any) {
	if t.Kwargs == nil {
		t.Kwargs = make(map[string]any)
	}
	t.Kwargs[key] = value
}

// Completion is reported by the worker loop when a task finishes. Only the
// correlation id travels back; results, if any, are the worker's business.
type Completion struct {
	UUID string `json:"uuid"`
}
