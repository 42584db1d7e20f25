// Package heartbeat drives the dispatcher's periodic work: each beat runs the
// pool's cleanup cycle and flushes subsystem metrics. The pool has no
// internal event loop; this is the loop.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/katsubs/dispatchd/internal/log"
	"github.com/katsubs/dispatchd/internal/metrics"
)

// Target is what a beat operates on.
type Target interface {
	Cleanup(ctx context.Context)
	ProduceSubsystemMetrics(sink metrics.Sink)
}

type Heartbeat struct {
	target   Target
	sink     metrics.Sink
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(target Target, sink metrics.Sink, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Heartbeat{
		target:   target,
		sink:     sink,
		interval: interval,
		logger:   log.WithComponent("heartbeat"),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the beat loop. The first beat fires immediately.
func (h *Heartbeat) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.loop(ctx)
}

// Stop halts the loop and waits for an in-progress beat to finish.
func (h *Heartbeat) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *Heartbeat) loop(ctx context.Context) {
	defer h.wg.Done()

	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	start := time.Now()
	h.target.Cleanup(ctx)
	if h.sink != nil {
		h.target.ProduceSubsystemMetrics(h.sink)
	}
	h.logger.Debug("heartbeat complete", "elapsed", time.Since(start).Seconds())
}
