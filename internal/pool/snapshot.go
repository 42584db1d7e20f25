package pool

import (
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// TaskSnapshot is one assigned task as rendered in a pool snapshot.
type TaskSnapshot struct {
	UUID string  `json:"uuid"`
	Name string  `json:"task,omitempty"`
	Age  float64 `json:"age,omitempty"`
}

// WorkerSnapshot is the observable state of one handle at capture time.
type WorkerSnapshot struct {
	Pid              int            `json:"pid"`
	Alive            bool           `json:"alive"`
	Busy             bool           `json:"busy"`
	RSSBytes         uint64         `json:"rss_bytes,omitempty"`
	QueueDepth       int            `json:"queue_depth"`
	MessagesSent     int            `json:"messages_sent"`
	MessagesFinished int            `json:"messages_finished"`
	Tasks            []TaskSnapshot `json:"tasks,omitempty"`
}

// Snapshot is a point-in-time view of the whole pool, for the status API and
// operator debugging.
type Snapshot struct {
	Name       string           `json:"name"`
	Pid        int              `json:"pid"`
	MinWorkers int              `json:"min_workers"`
	MaxWorkers int              `json:"max_workers"`
	Workers    []WorkerSnapshot `json:"workers"`
	CapturedAt time.Time        `json:"captured_at"`
}

// Snapshot captures the current state of every handle. RSS is read from the
// host per process; a worker that exited between listing and probing simply
// reports zero.
func (p *AutoscalePool) Snapshot() Snapshot {
	workers := p.Workers()
	snap := Snapshot{
		Name:       p.name,
		Pid:        p.pid,
		MinWorkers: p.minWorkers,
		MaxWorkers: p.maxWorkers,
		Workers:    make([]WorkerSnapshot, 0, len(workers)),
		CapturedAt: time.Now().UTC(),
	}
	for _, w := range workers {
		ws := WorkerSnapshot{
			Pid:              w.Pid(),
			Alive:            w.Alive(),
			Busy:             w.Busy(),
			RSSBytes:         residentSetSize(w.Pid()),
			QueueDepth:       w.QueueDepth(),
			MessagesSent:     w.MessagesSent(),
			MessagesFinished: w.MessagesFinished(),
		}
		ws.Tasks = w.taskSnapshots()
		snap.Workers = append(snap.Workers, ws)
	}
	return snap
}

func residentSetSize(pid int) uint64 {
	if pid <= 0 {
		return 0
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// String renders the snapshot as the multi-line text block shown by the
// status CLI.
func (s Snapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[pid:%d] workers total=%d min=%d max=%d\n", s.Name, s.Pid, len(s.Workers), s.MinWorkers, s.MaxWorkers)
	for _, w := range s.Workers {
		state := "ready"
		if !w.Alive {
			state = "dead"
		} else if w.Busy {
			state = "busy"
		}
		fmt.Fprintf(&b, ".  worker[pid:%d] %s sent=%d finished=%d qsize=%d rss=%dMB\n",
			w.Pid, state, w.MessagesSent, w.MessagesFinished, w.QueueDepth, w.RSSBytes/(1<<20))
		for _, t := range w.Tasks {
			if t.Age > 0 {
				fmt.Fprintf(&b, "     - %s %s (age %.0fs)\n", t.UUID, t.Name, t.Age)
			} else {
				fmt.Fprintf(&b, "     - %s %s\n", t.UUID, t.Name)
			}
		}
		if len(w.Tasks) == 0 && w.Alive {
			b.WriteString("     - no tasks are running\n")
		}
	}
	return b.String()
}
