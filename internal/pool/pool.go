// Package pool implements the autoscaling worker-pool dispatcher: a set of
// handles around independently spawned worker processes, least-busy message
// placement with bounded-queue backpressure, crash detection with orphan
// recovery, and a periodic cleanup cycle driven by the cluster heartbeat.
package pool

import (
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/katsubs/dispatchd/internal/events"
	"github.com/katsubs/dispatchd/internal/log"
	"github.com/katsubs/dispatchd/internal/protocol"
)

// ForkGuard releases shared resources that must not be inherited across a
// spawn boundary (pooled database and cache connections). Called immediately
// before every spawn; inherited connection descriptors shared between
// processes corrupt data and desynchronize protocols.
type ForkGuard interface {
	ReleaseBeforeFork()
	MarkStale()
}

// Config carries construction-time settings for a Pool.
type Config struct {
	// Name identifies this pool in logs and snapshots, typically the
	// cluster host id.
	Name       string
	MinWorkers int
	QueueSize  int
	Spawner    Spawner
	// Guard may be nil when the embedding process shares nothing with the
	// pool's workers.
	Guard ForkGuard
	// Hub, when set, receives lifecycle events.
	Hub *events.Hub
	// TrackManagedTasks enables per-handle assignment bookkeeping. The
	// autoscaling pool requires it; a fixed pool that only fans out
	// fire-and-forget messages can leave it off.
	TrackManagedTasks bool
	// OnTaskFinished, when set, is called once per task a worker reports
	// complete. Used to close out durable job records.
	OnTaskFinished func(uuid string)
	Logger         *slog.Logger
}

// Pool owns a collection of WorkerHandles and places incoming messages on
// them. It has no internal event loop; it is driven synchronously by whoever
// calls Write and friends.
type Pool struct {
	name              string
	pid               int
	minWorkers        int
	queueSize         int
	spawner           Spawner
	guard             ForkGuard
	hub               *events.Hub
	trackManagedTasks bool
	onTaskFinished    func(uuid string)
	logger            *slog.Logger

	mu      sync.Mutex
	workers []*WorkerHandle
}

func NewPool(cfg Config) *Pool {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("pool")
	}
	return &Pool{
		name:              cfg.Name,
		pid:               os.Getpid(),
		minWorkers:        cfg.MinWorkers,
		queueSize:         cfg.QueueSize,
		spawner:           cfg.Spawner,
		guard:             cfg.Guard,
		hub:               cfg.Hub,
		trackManagedTasks: cfg.TrackManagedTasks,
		onTaskFinished:    cfg.OnTaskFinished,
		logger:            logger,
	}
}

// Init brings the pool up to its minimum worker count.
func (p *Pool) Init() {
	for p.Len() < p.minWorkers {
		p.Up()
	}
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) MinWorkers() int { return p.minWorkers }

// Workers returns a point-in-time copy of the handle list.
func (p *Pool) Workers() []*WorkerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkerHandle, len(p.workers))
	copy(out, p.workers)
	return out
}

// Up creates a new WorkerHandle, starts its process, appends it, and returns
// its index and handle. Spawn failure is logged, never raised: the pool just
// runs one handle short until the next growth evaluation.
func (p *Pool) Up() (int, *WorkerHandle) {
	// Pooled connections must not survive into the child.
	if p.guard != nil {
		p.guard.ReleaseBeforeFork()
	}

	w := newWorkerHandle(p.queueSize, p.trackManagedTasks, p.spawner, p.logger, p.onTaskFinished)

	// Start before publishing: a concurrent cleanup pass must never see a
	// handle whose process has not spawned yet and reap it as dead.
	w.Start()

	p.mu.Lock()
	idx := len(p.workers)
	p.workers = append(p.workers, w)
	p.mu.Unlock()

	if w.Alive() {
		p.logger.Debug("scaling up worker", "pid", w.Pid())
		if p.hub != nil {
			p.hub.Publish(events.TypeScaleUp, map[string]any{"pid": w.Pid()})
		}
	}
	return idx, w
}

// Write attempts delivery to the handle at preferred first, then every other
// handle in index order, skipping any whose queue is full. The first handle
// that accepts wins. When every handle is full the message is dropped here
// and the caller owns any retry policy.
func (p *Pool) Write(preferred int, t *protocol.Task) (int, error) {
	workers := p.Workers()

	attempted := make([]int, 0, len(workers))
	for _, idx := range writeOrder(len(workers), preferred) {
		err := workers[idx].Put(t)
		if err == nil {
			return idx, nil
		}
		if !errors.Is(err, ErrQueueFull) {
			p.logger.Warn("could not write to worker queue", "index", idx, "error", err)
		}
		attempted = append(attempted, idx)
	}
	p.logger.Error("could not write payload to any queue", "attempted_order", attempted)
	return -1, ErrNotDelivered
}

// Stop sends sig to every live worker process. Best effort: per-handle
// failures are logged without aborting the loop.
func (p *Pool) Stop(sig os.Signal) {
	for _, w := range p.Workers() {
		if !w.Alive() {
			continue
		}
		if err := w.Signal(sig); err != nil {
			p.logger.Error("could not signal worker", "pid", w.Pid(), "error", err)
		}
	}
}

// remove drops w from the handle list. Handles are never reused after
// removal.
func (p *Pool) remove(w *WorkerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			return
		}
	}
}

// writeOrder yields the preferred index first, then the rest ascending.
func writeOrder(n, preferred int) []int {
	order := make([]int, 0, n)
	if preferred >= 0 && preferred < n {
		order = append(order, preferred)
	}
	for i := 0; i < n; i++ {
		if i != preferred {
			order = append(order, i)
		}
	}
	return order
}
