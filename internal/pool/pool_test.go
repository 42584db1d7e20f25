package pool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/katsubs/dispatchd/internal/protocol"
)

func newTestPool(spawner *fakeSpawner, min, queueSize int) *Pool {
	return NewPool(Config{
		Name:              "test-node",
		MinWorkers:        min,
		QueueSize:         queueSize,
		Spawner:           spawner,
		TrackManagedTasks: true,
		Logger:            testLogger(),
	})
}

func TestPoolInitSpawnsMinWorkers(t *testing.T) {
	spawner := newFakeSpawner()
	p := newTestPool(spawner, 3, 10)
	p.Init()

	assert.Equal(t, 3, p.Len())
	assert.Len(t, spawner.spawned(), 3)
	for _, w := range p.Workers() {
		assert.True(t, w.Alive())
	}
}

func TestPoolUpReleasesConnectionsBeforeSpawn(t *testing.T) {
	spawner := newFakeSpawner()
	guard := &fakeGuard{}
	p := NewPool(Config{
		MinWorkers:        2,
		QueueSize:         10,
		Spawner:           spawner,
		Guard:             guard,
		TrackManagedTasks: true,
		Logger:            testLogger(),
	})
	p.Init()

	assert.Equal(t, 2, guard.released)
}

func TestPoolWritePrefersGivenIndex(t *testing.T) {
	spawner := newFakeSpawner()
	p := newTestPool(spawner, 3, 10)
	p.Init()

	task := &protocol.Task{Name: "jobs.run"}
	idx, err := p.Write(1, task)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, task.UUID, p.Workers()[1].CurrentTask().UUID)
}

func TestPoolWriteSkipsFullQueues(t *testing.T) {
	orig := putTimeout
	putTimeout = 30 * time.Millisecond
	defer func() { putTimeout = orig }()

	spawner := newFakeSpawner()
	spawner.acceptWrites = 0
	p := newTestPool(spawner, 2, 1)
	p.Init()

	// Saturate worker 0: one message in the pump's stuck write, one on the
	// queue.
	w0 := p.Workers()[0]
	require.NoError(t, w0.Put(&protocol.Task{Name: "jobs.a"}))
	require.Eventually(t, func() bool { return w0.QueueDepth() == 0 }, time.Second, eventuallyTick)
	require.NoError(t, w0.Put(&protocol.Task{Name: "jobs.b"}))

	idx, err := p.Write(0, &protocol.Task{Name: "jobs.c"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx, "full preferred queue falls through to the next worker")
}

func TestPoolWriteAllFull(t *testing.T) {
	orig := putTimeout
	putTimeout = 30 * time.Millisecond
	defer func() { putTimeout = orig }()

	spawner := newFakeSpawner()
	spawner.acceptWrites = 0
	p := newTestPool(spawner, 1, 1)
	p.Init()

	w := p.Workers()[0]
	require.NoError(t, w.Put(&protocol.Task{Name: "jobs.a"}))
	require.Eventually(t, func() bool { return w.QueueDepth() == 0 }, time.Second, eventuallyTick)
	require.NoError(t, w.Put(&protocol.Task{Name: "jobs.b"}))

	_, err := p.Write(0, &protocol.Task{Name: "jobs.c"})
	assert.ErrorIs(t, err, ErrNotDelivered)
}

func TestPoolStopSignalsEveryWorker(t *testing.T) {
	spawner := newFakeSpawner()
	p := newTestPool(spawner, 3, 10)
	p.Init()

	procs := spawner.spawned()
	procs[1].kill(0)

	p.Stop(unix.SIGTERM)

	assert.Equal(t, []os.Signal{unix.SIGTERM}, procs[0].signalsSent())
	assert.Empty(t, procs[1].signalsSent(), "dead workers are not signaled")
	assert.Equal(t, []os.Signal{unix.SIGTERM}, procs[2].signalsSent())
}

func TestWriteOrder(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		preferred int
		want      []int
	}{
		{"preferred first", 4, 2, []int{2, 0, 1, 3}},
		{"preferred zero", 3, 0, []int{0, 1, 2}},
		{"preferred out of range", 3, 7, []int{0, 1, 2}},
		{"negative preferred", 2, -1, []int{0, 1}},
		{"empty", 0, 0, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, writeOrder(tt.n, tt.preferred))
		})
	}
}
