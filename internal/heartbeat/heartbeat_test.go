package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/katsubs/dispatchd/internal/metrics"
)

type countingTarget struct {
	mu       sync.Mutex
	cleanups int
	flushes  int
}

func (c *countingTarget) Cleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups++
}

func (c *countingTarget) ProduceSubsystemMetrics(sink metrics.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
}

func (c *countingTarget) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanups, c.flushes
}

type nullSink struct{}

func (nullSink) Set(name string, value float64) {}

func TestHeartbeatBeatsImmediatelyAndOnInterval(t *testing.T) {
	target := &countingTarget{}
	h := New(target, nullSink{}, 20*time.Millisecond)

	h.Start(context.Background())
	defer h.Stop()

	assert.Eventually(t, func() bool {
		cleanups, flushes := target.counts()
		return cleanups >= 2 && flushes >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestHeartbeatStopHaltsLoop(t *testing.T) {
	target := &countingTarget{}
	h := New(target, nullSink{}, 10*time.Millisecond)

	h.Start(context.Background())
	h.Stop()

	cleanups, _ := target.counts()
	time.Sleep(30 * time.Millisecond)
	after, _ := target.counts()
	assert.Equal(t, cleanups, after, "no beats after stop")
}

func TestHeartbeatSkipsMetricsWithoutSink(t *testing.T) {
	target := &countingTarget{}
	h := New(target, nil, 10*time.Millisecond)

	h.Start(context.Background())
	defer h.Stop()

	assert.Eventually(t, func() bool {
		cleanups, _ := target.counts()
		return cleanups >= 1
	}, time.Second, 5*time.Millisecond)
	_, flushes := target.counts()
	assert.Zero(t, flushes)
}
