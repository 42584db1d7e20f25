package worker

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katsubs/dispatchd/internal/protocol"
)

func encodeTasks(t *testing.T, tasks ...*protocol.Task) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	for _, task := range tasks {
		require.NoError(t, protocol.EncodeTask(&buf, task))
	}
	return &buf
}

func decodeCompletions(t *testing.T, out *bytes.Buffer) []string {
	t.Helper()
	var ids []string
	reader := protocol.NewCompletionReader(out)
	for {
		c, err := reader.Next()
		if err == io.EOF {
			return ids
		}
		require.NoError(t, err)
		ids = append(ids, c.UUID)
	}
}

func TestRunExecutesAndReportsCompletions(t *testing.T) {
	r := NewRunner()

	var ran []string
	r.Register("jobs.record", func(ctx context.Context, task *protocol.Task) error {
		ran = append(ran, task.UUID)
		return nil
	})

	in := encodeTasks(t,
		&protocol.Task{UUID: "t-1", Name: "jobs.record"},
		&protocol.Task{UUID: "t-2", Name: "jobs.record"},
	)
	var out bytes.Buffer

	require.NoError(t, r.Run(context.Background(), in, &out))

	assert.Equal(t, []string{"t-1", "t-2"}, ran)
	assert.Equal(t, []string{"t-1", "t-2"}, decodeCompletions(t, &out))
}

func TestRunExitsOnQuitSentinel(t *testing.T) {
	r := NewRunner()

	var ran int
	r.Register("jobs.count", func(ctx context.Context, task *protocol.Task) error {
		ran++
		return nil
	})

	in := encodeTasks(t,
		&protocol.Task{UUID: "t-1", Name: "jobs.count"},
		protocol.Quit(),
		&protocol.Task{UUID: "t-2", Name: "jobs.count"},
	)
	var out bytes.Buffer

	require.NoError(t, r.Run(context.Background(), in, &out))

	assert.Equal(t, 1, ran, "nothing past the sentinel runs")
	assert.Equal(t, []string{"t-1"}, decodeCompletions(t, &out), "the sentinel itself is not reported")
}

func TestRunReportsFailedTasksComplete(t *testing.T) {
	r := NewRunner()
	r.Register("jobs.explode", func(ctx context.Context, task *protocol.Task) error {
		return assert.AnError
	})

	in := encodeTasks(t, &protocol.Task{UUID: "t-1", Name: "jobs.explode"})
	var out bytes.Buffer

	require.NoError(t, r.Run(context.Background(), in, &out))

	// Failure is the task's business; the dispatcher still needs the id
	// back or the worker looks busy forever.
	assert.Equal(t, []string{"t-1"}, decodeCompletions(t, &out))
}

func TestRunUnregisteredTaskStillCompletes(t *testing.T) {
	r := NewRunner()

	in := encodeTasks(t, &protocol.Task{UUID: "t-1", Name: "jobs.who_is_this"})
	var out bytes.Buffer

	require.NoError(t, r.Run(context.Background(), in, &out))
	assert.Equal(t, []string{"t-1"}, decodeCompletions(t, &out))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := encodeTasks(t, &protocol.Task{UUID: "t-1", Name: "dispatchd.tasks.noop"})
	var out bytes.Buffer

	err := r.Run(ctx, in, &out)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuiltinNoop(t *testing.T) {
	r := NewRunner()

	in := encodeTasks(t, &protocol.Task{UUID: "t-1", Name: "dispatchd.tasks.noop"})
	var out bytes.Buffer

	require.NoError(t, r.Run(context.Background(), in, &out))
	assert.Equal(t, []string{"t-1"}, decodeCompletions(t, &out))
}
