// Package worker implements the run loop of a spawned worker process: read
// tasks off stdin, execute them, report completions on stdout, exit on the
// quit sentinel or when stdin closes.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/katsubs/dispatchd/internal/log"
	"github.com/katsubs/dispatchd/internal/protocol"
)

// TaskFunc executes one unit of work. The returned error is logged; the task
// is reported complete either way so the dispatcher's bookkeeping stays
// consistent.
type TaskFunc func(ctx context.Context, t *protocol.Task) error

// Runner drains a task stream and executes each entry through its registry.
type Runner struct {
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]TaskFunc
}

func NewRunner() *Runner {
	r := &Runner{
		logger: log.WithWorker(os.Getpid()),
		tasks:  make(map[string]TaskFunc),
	}
	r.registerBuiltins()
	return r
}

// Register binds name to fn, replacing any previous binding.
func (r *Runner) Register(name string, fn TaskFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = fn
}

func (r *Runner) lookup(name string) (TaskFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Run consumes tasks from in until the quit sentinel, EOF, or ctx
// cancellation, writing a completion to out for every executed task. Returns
// nil on a clean shutdown.
func (r *Runner) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := protocol.NewTaskReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t, err := reader.Next()
		if err == io.EOF {
			r.logger.Debug("task stream closed, exiting")
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading task stream: %w", err)
		}

		if t.IsQuit() {
			r.logger.Debug("received quit, exiting")
			return nil
		}

		r.execute(ctx, t)

		if err := protocol.EncodeCompletion(out, &protocol.Completion{UUID: t.UUID}); err != nil {
			return fmt.Errorf("reporting completion: %w", err)
		}
	}
}

func (r *Runner) execute(ctx context.Context, t *protocol.Task) {
	logger := r.logger.With("task", t.Name, "uuid", t.UUID)
	if t.GUID != "" {
		logger = logger.With("guid", t.GUID)
	}

	fn, ok := r.lookup(t.Name)
	if !ok {
		logger.Error("unregistered task")
		return
	}

	start := time.Now()
	logger.Debug("task starting")
	if err := fn(ctx, t); err != nil {
		logger.Error("task failed", "error", err, "elapsed", time.Since(start).Seconds())
		return
	}
	logger.Debug("task finished", "elapsed", time.Since(start).Seconds())
}

func (r *Runner) registerBuiltins() {
	r.tasks["dispatchd.tasks.noop"] = func(ctx context.Context, t *protocol.Task) error {
		return nil
	}
	r.tasks["dispatchd.tasks.echo"] = func(ctx context.Context, t *protocol.Task) error {
		r.logger.Info("echo", "args", t.Args, "kwargs", t.Kwargs)
		return nil
	}
	r.tasks["dispatchd.tasks.sleep"] = func(ctx context.Context, t *protocol.Task) error {
		seconds, _ := t.Kwargs["seconds"].(float64)
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// InstallStackDumpHandler dumps all goroutine stacks to stderr on SIGUSR1.
// The dispatcher sends that signal to a worker it believes is stuck; the dump
// is the operator's first clue about where.
func InstallStackDumpHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== goroutine dump (pid %d) ===\n%s\n", os.Getpid(), buf[:n])
		}
	}()
}
