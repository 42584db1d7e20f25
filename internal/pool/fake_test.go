package pool

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/katsubs/dispatchd/internal/protocol"
)

// fakeProcess stands in for a spawned worker. Its stdin accepts a scripted
// number of writes and then blocks until the process is killed; its stdout is
// a pipe the test feeds completions into.
type fakeProcess struct {
	pid  int
	done chan struct{}

	mu           sync.Mutex
	exited       bool
	exitCode     int
	signals      []os.Signal
	acceptWrites int // writes accepted before stdin blocks; negative means unlimited
	written      []*protocol.Task

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

func newFakeProcess(pid, acceptWrites int) *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		pid:          pid,
		done:         make(chan struct{}),
		acceptWrites: acceptWrites,
		stdoutR:      r,
		stdoutW:      w,
	}
}

func (f *fakeProcess) Pid() int              { return f.pid }
func (f *fakeProcess) Done() <-chan struct{} { return f.done }
func (f *fakeProcess) Stdin() io.Writer      { return stdinWriter{f} }
func (f *fakeProcess) Stdout() io.Reader     { return f.stdoutR }

func (f *fakeProcess) Signal(s os.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeProcess) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.exited
}

func (f *fakeProcess) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exited {
		return -1
	}
	return f.exitCode
}

// kill simulates the worker process dying with the given exit code.
func (f *fakeProcess) kill(code int) {
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return
	}
	f.exited = true
	f.exitCode = code
	close(f.done)
	f.mu.Unlock()
	f.stdoutW.Close()
}

// complete reports one finished correlation id on the process' stdout.
func (f *fakeProcess) complete(uuid string) error {
	return protocol.EncodeCompletion(f.stdoutW, &protocol.Completion{UUID: uuid})
}

func (f *fakeProcess) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeProcess) sentTasks() []*protocol.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Task, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeProcess) signalsSent() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]os.Signal, len(f.signals))
	copy(out, f.signals)
	return out
}

// stdinWriter decodes each line written by the pump back into a task so tests
// can assert on what actually reached the process.
type stdinWriter struct{ f *fakeProcess }

func (w stdinWriter) Write(p []byte) (int, error) {
	f := w.f
	f.mu.Lock()
	if f.exited {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if f.acceptWrites != 0 {
		if f.acceptWrites > 0 {
			f.acceptWrites--
		}
		if t, err := decodeTaskLine(p); err == nil {
			f.written = append(f.written, t)
		}
		f.mu.Unlock()
		return len(p), nil
	}
	f.mu.Unlock()
	// Scripted budget exhausted: behave like a worker that stopped
	// reading, until it dies.
	<-f.done
	return 0, io.ErrClosedPipe
}

func decodeTaskLine(p []byte) (*protocol.Task, error) {
	reader := protocol.NewTaskReader(bytes.NewReader(p))
	return reader.Next()
}

// fakeSpawner hands out fakeProcesses with sequential pids. acceptWrites
// applies to every process it spawns.
type fakeSpawner struct {
	mu           sync.Mutex
	nextPid      int
	acceptWrites int
	procs        []*fakeProcess
	spawnErr     error
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPid: 1000, acceptWrites: -1}
}

func (s *fakeSpawner) Spawn() (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	s.nextPid++
	p := newFakeProcess(s.nextPid, s.acceptWrites)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) spawned() []*fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fakeProcess, len(s.procs))
	copy(out, s.procs)
	return out
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// slowSpawner widens the window between a handle existing and its process
// being up, so tests can race a cleanup pass against a spawn in flight.
type slowSpawner struct {
	inner Spawner
	delay time.Duration
}

func (s *slowSpawner) Spawn() (Process, error) {
	time.Sleep(s.delay)
	return s.inner.Spawn()
}

// fakeGuard counts fork-boundary releases.
type fakeGuard struct {
	mu       sync.Mutex
	released int
	stale    int
}

func (g *fakeGuard) ReleaseBeforeFork() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
}

func (g *fakeGuard) MarkStale() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stale++
}

// fakeSink collects metric observations.
type fakeSink struct {
	mu     sync.Mutex
	values map[string]float64
}

func newFakeSink() *fakeSink { return &fakeSink{values: make(map[string]float64)} }

func (s *fakeSink) Set(name string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

func (s *fakeSink) get(name string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}
