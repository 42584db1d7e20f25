package pool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Process is the pool's view of one spawned worker process.
type Process interface {
	Pid() int
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	Alive() bool
	// ExitCode is valid once Done is closed; -1 while running.
	ExitCode() int
	Signal(sig os.Signal) error
	// Stdin carries the task stream; Stdout carries completions.
	Stdin() io.Writer
	Stdout() io.Reader
}

// Spawner creates worker processes. The pool never cares what the process
// actually runs; production spawns this binary's worker entrypoint, tests
// substitute a fake.
type Spawner interface {
	Spawn() (Process, error)
}

// ExecSpawner spawns worker processes with os/exec. Path is typically
// os.Executable() and Args the worker subcommand.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
}

func (s *ExecSpawner) Spawn() (Process, error) {
	cmd := exec.Command(s.Path, s.Args...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	} else if err != nil {
		p.exitCode = -1
	}
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *execProcess) ExitCode() int {
	if p.Alive() {
		return -1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
