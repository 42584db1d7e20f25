package pool

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/katsubs/dispatchd/internal/events"
	"github.com/katsubs/dispatchd/internal/log"
	"github.com/katsubs/dispatchd/internal/metrics"
	"github.com/katsubs/dispatchd/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_reaper.go -package=mocks github.com/katsubs/dispatchd/internal/pool Reaper

// Reaper marks the durable job record of a task that was executing when its
// worker died. Fire and forget per dead worker; failures are logged here,
// never retried.
type Reaper interface {
	ReapFailed(ctx context.Context, jobID string, reason string) error
}

// AutoscaleConfig extends the base pool settings with the scaling ceiling and
// the stuck-management-task watchdog.
type AutoscaleConfig struct {
	Config

	// MaxWorkers caps growth. Computed once from host capacity by the
	// embedding process; never recomputed at runtime.
	MaxWorkers int

	// TaskManagerTimeout is how long a management task may run before it
	// is presumed deadlocked and signaled. Includes any grace period the
	// embedding process wants to allow.
	TaskManagerTimeout time.Duration

	// ManagementTaskSuffixes identifies the long-running coordination
	// tasks subject to the watchdog, matched against the end of the task
	// name.
	ManagementTaskSuffixes []string

	Reaper Reaper
}

// AutoscalePool grows the worker set on demand up to a capacity-derived
// ceiling and runs the periodic cleanup cycle: reap dead workers and recover
// their work, scale idle workers down to the floor, and signal workers stuck
// in a management task past the timeout.
type AutoscalePool struct {
	*Pool

	maxWorkers         int
	taskManagerTimeout time.Duration
	mgmtSuffixes       []string
	reaper             Reaper

	// killFn sends the corrective signal to a stuck process. Replaceable
	// in tests.
	killFn func(pid int, sig unix.Signal) error

	// Guarded by the embedded Pool's mutex: Up runs from the write path
	// while the metrics flush runs from the heartbeat.
	scaleUpCt      int
	workerCountMax int
}

func NewAutoscalePool(cfg AutoscaleConfig) *AutoscalePool {
	base := NewPool(cfg.Config)
	if cfg.MaxWorkers < base.minWorkers {
		cfg.MaxWorkers = base.minWorkers
	}
	return &AutoscalePool{
		Pool:               base,
		maxWorkers:         cfg.MaxWorkers,
		taskManagerTimeout: cfg.TaskManagerTimeout,
		mgmtSuffixes:       cfg.ManagementTaskSuffixes,
		reaper:             cfg.Reaper,
		killFn:             unix.Kill,
	}
}

func (p *AutoscalePool) MaxWorkers() int { return p.maxWorkers }

// Init brings the pool up to its minimum worker count through the scaling
// override so the growth counters see the initial workers too.
func (p *AutoscalePool) Init() {
	for p.Len() < p.minWorkers {
		p.Up()
	}
}

// ShouldGrow reports whether the pool wants another worker: below the floor,
// or every live worker already has work.
func (p *AutoscalePool) ShouldGrow() bool {
	workers := p.Workers()
	if len(workers) < p.minWorkers {
		return true
	}
	for _, w := range workers {
		if w.Alive() && !w.Busy() {
			return false
		}
	}
	return true
}

// Full reports whether the pool has reached its ceiling.
func (p *AutoscalePool) Full() bool {
	return p.Len() >= p.maxWorkers
}

// Up grows the pool unless it is full, in which case it returns a
// uniformly-random existing handle: overflow is accepted rather than the
// ceiling violated.
func (p *AutoscalePool) Up() (int, *WorkerHandle) {
	if p.Full() {
		workers := p.Workers()
		idx := rand.Intn(len(workers))
		return idx, workers[idx]
	}
	idx, w := p.Pool.Up()
	p.mu.Lock()
	p.scaleUpCt++
	if n := len(p.workers); n > p.workerCountMax {
		p.workerCountMax = n
	}
	p.mu.Unlock()
	return idx, w
}

// Cleanup is the periodic health pass, invoked externally on the cluster
// heartbeat. For each worker: reap it if dead (recovering its work), quit it
// if idle above the floor, or check it for a stuck management task. Orphans
// collected from dead workers are redelivered at the end.
func (p *AutoscalePool) Cleanup(ctx context.Context) {
	var orphaned []*protocol.Task

	for _, w := range p.Workers() {
		if !w.Alive() {
			orphaned = append(orphaned, p.reapWorker(ctx, w)...)
			continue
		}

		if w.Idle() && p.Len() > p.minWorkers {
			p.logger.Debug("scaling down worker", "pid", w.Pid())
			w.Quit()
			// The process exits on its own once it drains to the
			// sentinel; no confirmation is awaited.
			p.remove(w)
			if p.hub != nil {
				p.hub.Publish(events.TypeScaleDown, map[string]any{"pid": w.Pid()})
			}
			continue
		}

		p.checkStuckManagementTask(w)
	}

	p.redeliver(orphaned)
}

// reapWorker handles one dead worker: mark its executing task failed through
// the job store, collect everything that must be redelivered, and remove the
// handle. A dead worker whose current task is the quit sentinel was told to
// exit and had not gotten around to it; that is noise, not lost work.
func (p *AutoscalePool) reapWorker(ctx context.Context, w *WorkerHandle) []*protocol.Task {
	cur := w.CurrentTask()
	switch {
	case cur == nil:
		p.logger.Warn("worker exited", "pid", w.Pid(), "exit_code", w.ExitCode())
	case cur.IsQuit():
		p.logger.Warn("worker was told to quit but has not exited yet", "pid", w.Pid())
	default:
		p.logger.Error("worker exited with current task", "pid", w.Pid(), "exit_code", w.ExitCode(), "task", cur.Name, "uuid", cur.UUID)
		if p.reaper != nil {
			if err := p.reaper.ReapFailed(ctx, cur.UUID, fmt.Sprintf("worker pid:%d exited", w.Pid())); err != nil {
				p.logger.Error("could not reap job for dead worker", "uuid", cur.UUID, "error", err)
			}
		}
	}

	orphaned := w.OrphanedTasks()
	p.remove(w)
	if p.hub != nil {
		p.hub.Publish(events.TypeWorkerGone, map[string]any{"pid": w.Pid(), "orphans": len(orphaned)})
	}
	return orphaned
}

// checkStuckManagementTask stamps a start time on the first observation of a
// long-running management task and, past the timeout, sends SIGUSR1 to the
// worker so it can dump its state. The handle stays in the pool; recovery of
// the task itself is left to a later cycle or to the operator.
func (p *AutoscalePool) checkStuckManagementTask(w *WorkerHandle) {
	name, age, ok := w.StampManagementTask(time.Now(), p.isManagementTask)
	if !ok || age <= p.taskManagerTimeout.Seconds() {
		return
	}

	p.logger.Error("management task timed out, sending SIGUSR1", "task", name, "pid", w.Pid(), "age", age)
	if err := p.killFn(w.Pid(), unix.SIGUSR1); err != nil {
		p.logger.Error("could not signal stuck worker", "pid", w.Pid(), "error", err)
	}
	if p.hub != nil {
		p.hub.Publish(events.TypeWatchdogFired, map[string]any{"pid": w.Pid(), "task": name, "age": age})
	}
}

func (p *AutoscalePool) isManagementTask(name string) bool {
	for _, suffix := range p.mgmtSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// redeliver places recovered orphans on uniformly-random workers by direct
// enqueue. These are recovery deliveries, not new load, so normal write
// placement does not apply. An empty pool is grown once so there is somewhere
// to put them.
func (p *AutoscalePool) redeliver(orphaned []*protocol.Task) {
	for _, t := range orphaned {
		if p.Len() == 0 {
			p.Up()
		}
		workers := p.Workers()
		if len(workers) == 0 {
			p.logger.Error("could not requeue message, no workers available", "uuid", t.UUID)
			continue
		}
		w := workers[rand.Intn(len(workers))]
		p.logger.Debug("requeuing orphaned message", "uuid", t.UUID, "pid", w.Pid())
		if err := w.Put(t); err != nil {
			p.logger.Error("could not requeue orphaned message", "uuid", t.UUID, "error", err)
		}
	}
}

// Write delivers one message, growing the pool first when every worker is
// busy. Placement prefers a random non-busy worker; when all are busy it
// falls back to the base ordered attempt. Nothing here may crash the driving
// loop: any panic is recovered, shared connections are marked stale, and the
// failure is logged.
func (p *AutoscalePool) Write(preferred int, t *protocol.Task) {
	defer func() {
		if r := recover(); r != nil {
			// A poisoned connection inherited into scope here is the
			// usual culprit; refresh before the next delivery.
			if p.guard != nil {
				p.guard.MarkStale()
			}
			p.logger.Error("failed to dispatch message", "task", t.Name, "uuid", t.UUID, "panic", r)
		}
	}()

	logger := p.logger
	if t.GUID != "" {
		logger = log.WithGUID(t.GUID)
	}

	if len(t.BindKwargs) > 0 {
		p.addBindKwargs(t)
	}

	if p.ShouldGrow() {
		p.Up()
	}

	workers := p.Workers()
	for _, idx := range rand.Perm(len(workers)) {
		w := workers[idx]
		if w.Busy() {
			continue
		}
		if err := w.Put(t); err != nil {
			logger.Warn("could not write to idle worker", "pid", w.Pid(), "error", err)
			continue
		}
		return
	}

	logger.Warn("workers maxed and busy, using the best we have", "task", t.Name, "uuid", t.UUID)
	if _, err := p.Pool.Write(preferred, t); err != nil {
		logger.Error("message dropped, all worker queues are full", "task", t.Name, "uuid", t.UUID)
	}
}

// addBindKwargs injects the values a task asked for at submission time: the
// dispatch timestamp, and a snapshot of {pid: [assigned ids]} across the pool
// for workers that need global visibility into current assignment.
func (p *AutoscalePool) addBindKwargs(t *protocol.Task) {
	for _, bind := range t.BindKwargs {
		switch bind {
		case protocol.BindDispatchTime:
			t.SetKwarg(protocol.BindDispatchTime, time.Now().UTC().Format(time.RFC3339))
		case protocol.BindWorkerTasks:
			workerTasks := make(map[string][]string)
			for _, w := range p.Workers() {
				workerTasks[strconv.Itoa(w.Pid())] = w.ManagedUUIDs()
			}
			t.SetKwarg(protocol.BindWorkerTasks, workerTasks)
		default:
			p.logger.Warn("unrecognized bind kwarg", "bind", bind, "task", t.Name)
		}
	}
}

// ProduceSubsystemMetrics flushes the pool's counters into the sink and
// resets the high-water worker count to the current size.
func (p *AutoscalePool) ProduceSubsystemMetrics(sink metrics.Sink) {
	active := 0
	for _, w := range p.Workers() {
		active += w.ManagedCount()
	}
	p.mu.Lock()
	scaleUps := p.scaleUpCt
	maxSeen := p.workerCountMax
	p.workerCountMax = len(p.workers)
	p.mu.Unlock()
	sink.Set("pool_scale_up_events", float64(scaleUps))
	sink.Set("pool_active_task_count", float64(active))
	sink.Set("pool_max_worker_count", float64(maxSeen))
}
