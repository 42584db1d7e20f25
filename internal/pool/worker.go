package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/katsubs/dispatchd/internal/protocol"
)

// putTimeout bounds how long Put blocks on a full inbound queue before the
// caller is told to place the message elsewhere.
var putTimeout = 5 * time.Second

var (
	// ErrQueueFull means the handle's inbound queue did not accept the
	// message within putTimeout. The pool, not the handle, decides fallback
	// placement.
	ErrQueueFull = errors.New("worker queue full or stuck")

	// ErrNotDelivered means every handle refused the message.
	ErrNotDelivered = errors.New("message not delivered to any worker")
)

// WorkerHandle tracks one spawned worker process and its pending and finished
// messages.
//
// Two bounded queues carry state: the inbound queue holds tasks the worker
// process should handle (a pump goroutine streams them onto the process'
// stdin), and the completion queue holds ids the process reported finished
// (filled by a reader goroutine off the process' stdout).
//
// For handles that track managed tasks, every Put records the task before
// enqueue; reconciling the completion queue removes finished ids again. The
// front of the managed ordering is what the worker is running right now. A
// handle is busy while it has at least one managed task, idle otherwise.
type WorkerHandle struct {
	spawner           Spawner
	queueSize         int
	trackManagedTasks bool
	logger            *slog.Logger
	// onFinished, when set, is called once per task the worker reports
	// complete (never for duplicates or sentinels).
	onFinished func(uuid string)

	// proc is published under mu: cleanup on another goroutine must never
	// observe a partially started handle.
	proc Process

	inbound  chan *protocol.Task
	finished chan *protocol.Completion

	mu      sync.Mutex
	managed *taskList
	// unsent is a task the pump pulled off the inbound queue but could not
	// hand to the process before it died. Recovered with the queued
	// orphans.
	unsent           *protocol.Task
	messagesSent     int
	messagesFinished int
}

func newWorkerHandle(queueSize int, trackManagedTasks bool, spawner Spawner, logger *slog.Logger, onFinished func(uuid string)) *WorkerHandle {
	return &WorkerHandle{
		spawner:           spawner,
		queueSize:         queueSize,
		trackManagedTasks: trackManagedTasks,
		logger:            logger,
		onFinished:        onFinished,
		inbound:           make(chan *protocol.Task, queueSize),
		finished:          make(chan *protocol.Completion, queueSize),
		managed:           newTaskList(),
	}
}

// Start launches the worker process. Spawn failure is logged, not returned;
// the handle simply reports not alive and the pool grows again on the next
// should-grow evaluation.
func (h *WorkerHandle) Start() {
	proc, err := h.spawner.Spawn()
	if err != nil {
		h.logger.Error("could not fork worker", "error", err)
		return
	}
	h.mu.Lock()
	h.proc = proc
	h.mu.Unlock()
	go h.pumpInbound(proc)
	go h.readCompletions(proc)
}

// process returns the spawned process, nil until Start succeeds.
func (h *WorkerHandle) process() Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

func (h *WorkerHandle) pumpInbound(proc Process) {
	stdin := proc.Stdin()
	for {
		select {
		case t := <-h.inbound:
			println("PUMP: pulled", t.UUID)
			h.mu.Lock()
			h.unsent = t
			h.mu.Unlock()
			if err := protocol.EncodeTask(stdin, t); err != nil {
				println("PUMP: encode error for", t.UUID, err.Error())
				h.logger.Debug("worker stdin closed", "pid", h.Pid(), "error", err)
				return
			}
			println("PUMP: encode ok for", t.UUID)
			h.mu.Lock()
			h.unsent = nil
			h.mu.Unlock()
		case <-proc.Done():
			return
		}
	}
}

func (h *WorkerHandle) readCompletions(proc Process) {
	reader := protocol.NewCompletionReader(proc.Stdout())
	for {
		c, err := reader.Next()
		if err != nil {
			// EOF when the process exits; anything else means the
			// stream is unusable either way.
			return
		}
		if !h.trackManagedTasks {
			continue
		}
		h.finished <- c
	}
}

// Put delivers a message to this handle's inbound queue, generating a
// correlation id if the message lacks one. Blocks up to putTimeout; a full
// queue is ErrQueueFull and the message is not considered assigned here.
func (h *WorkerHandle) Put(t *protocol.Task) error {
	id := t.EnsureUUID()

	if h.trackManagedTasks {
		// Record before enqueue so a crash in between is still
		// observable as an orphan.
		h.mu.Lock()
		h.managed.Set(id, t)
		h.mu.Unlock()
	}

	timer := time.NewTimer(putTimeout)
	defer timer.Stop()
	select {
	case h.inbound <- t:
	case <-timer.C:
		if h.trackManagedTasks {
			h.mu.Lock()
			h.managed.Delete(id)
			h.mu.Unlock()
		}
		return fmt.Errorf("%w: worker pid:%d", ErrQueueFull, h.Pid())
	}

	h.mu.Lock()
	h.messagesSent++
	h.mu.Unlock()
	h.reconcileCompletions()
	return nil
}

// Quit enqueues the sentinel telling the worker to exit gracefully once it
// reaches it. Never blocks; a full queue drops the sentinel with a warning.
func (h *WorkerHandle) Quit() {
	q := protocol.Quit()
	select {
	case h.inbound <- q:
		if h.trackManagedTasks {
			h.mu.Lock()
			h.managed.Set(q.UUID, q)
			h.mu.Unlock()
		}
	default:
		h.logger.Warn("could not enqueue quit, worker queue is full", "pid", h.Pid())
	}
}

// reconcileCompletions drains the completion queue fully without blocking and
// removes each finished id from the managed tasks, notifying the finished
// hook for each first-time completion.
func (h *WorkerHandle) reconcileCompletions() {
	if !h.trackManagedTasks {
		return
	}
	for {
		select {
		case c := <-h.finished:
			h.mu.Lock()
			finished := h.managed.Delete(c.UUID)
			if finished {
				h.messagesFinished++
			}
			h.mu.Unlock()
			if !finished {
				// Some upstream event sources do not guarantee
				// unique ids; a second completion for the same id
				// is noise, not state.
				h.logger.Warn("completion id appears to have been duplicated", "uuid", c.UUID)
				continue
			}
			if h.onFinished != nil {
				h.onFinished(c.UUID)
			}
		default:
			return
		}
	}
}

// CurrentTask returns the managed task at the front of the ordering: the one
// running right now (or about to run). Nil when idle. The result can be the
// quit sentinel; callers distinguish it with IsQuit.
func (h *WorkerHandle) CurrentTask() *protocol.Task {
	if !h.trackManagedTasks {
		return nil
	}
	h.reconcileCompletions()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managed.Front()
}

// OrphanedTasks is valid once the process is gone. It returns, in order, the
// failure callbacks of the task that was executing (if it was real work),
// then every message still sitting in the inbound queue, sentinels excluded.
// This is the full set of work that must be redelivered elsewhere.
func (h *WorkerHandle) OrphanedTasks() []*protocol.Task {
	if !h.trackManagedTasks || h.Alive() {
		return nil
	}

	var orphaned []*protocol.Task

	if cur := h.CurrentTask(); cur != nil && !cur.IsQuit() {
		orphaned = append(orphaned, cur.Errbacks...)
	}

	h.mu.Lock()
	if h.unsent != nil && !h.unsent.IsQuit() {
		orphaned = append(orphaned, h.unsent)
	}
	h.unsent = nil
	h.mu.Unlock()

	for {
		select {
		case m := <-h.inbound:
			if !m.IsQuit() {
				orphaned = append(orphaned, m)
			}
		default:
			if len(orphaned) > 0 {
				h.logger.Error("requeuing messages from gone worker", "count", len(orphaned), "pid", h.Pid())
			}
			return orphaned
		}
	}
}

// Busy reports whether the handle has unfinished managed tasks after
// reconciling completions.
func (h *WorkerHandle) Busy() bool {
	h.reconcileCompletions()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managed.Len() > 0
}

func (h *WorkerHandle) Idle() bool { return !h.Busy() }

// Alive reports whether the underlying process has not exited. A handle whose
// spawn failed is never alive.
func (h *WorkerHandle) Alive() bool {
	proc := h.process()
	return proc != nil && proc.Alive()
}

func (h *WorkerHandle) Pid() int {
	proc := h.process()
	if proc == nil {
		return 0
	}
	return proc.Pid()
}

func (h *WorkerHandle) ExitCode() int {
	proc := h.process()
	if proc == nil {
		return -1
	}
	return proc.ExitCode()
}

func (h *WorkerHandle) Signal(sig os.Signal) error {
	proc := h.process()
	if proc == nil {
		return fmt.Errorf("worker has no process")
	}
	return proc.Signal(sig)
}

// QueueDepth is the number of messages waiting on the inbound queue.
func (h *WorkerHandle) QueueDepth() int { return len(h.inbound) }

func (h *WorkerHandle) MessagesSent() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messagesSent
}

func (h *WorkerHandle) MessagesFinished() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messagesFinished
}

// ManagedCount is the number of in-flight tasks assigned to this handle.
func (h *WorkerHandle) ManagedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managed.Len()
}

// ManagedUUIDs reconciles completions and returns the assigned correlation
// ids in order. Used for the worker_tasks bind kwarg.
func (h *WorkerHandle) ManagedUUIDs() []string {
	h.reconcileCompletions()
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managed.UUIDs()
}

// StampManagementTask inspects the task at the front of the ordering: if it
// is real work whose name matches, the start time is stamped on first
// observation and the elapsed age recomputed. ok is false when the worker is
// idle or the current task is not a match. The age bookkeeping lives behind
// the handle mutex because snapshots read it from another goroutine.
func (h *WorkerHandle) StampManagementTask(now time.Time, match func(name string) bool) (name string, age float64, ok bool) {
	if !h.trackManagedTasks {
		return "", 0, false
	}
	h.reconcileCompletions()
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.managed.Front()
	if cur == nil || cur.IsQuit() || !match(cur.Name) {
		return "", 0, false
	}
	if cur.Started == nil {
		cur.Started = &now
	}
	cur.Age = now.Sub(*cur.Started).Seconds()
	return cur.Name, cur.Age, true
}

// taskSnapshots renders the assigned tasks in order.
func (h *WorkerHandle) taskSnapshots() []TaskSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TaskSnapshot, 0, h.managed.Len())
	for _, t := range h.managed.Tasks() {
		ts := TaskSnapshot{UUID: t.UUID, Name: t.Name}
		if t.IsQuit() {
			ts.Name = "QUIT"
		}
		if t.Started != nil {
			ts.Age = time.Since(*t.Started).Seconds()
		}
		out = append(out, ts)
	}
	return out
}
