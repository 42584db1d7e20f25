package pool

import "github.com/katsubs/dispatchd/internal/protocol"

// taskList is an insertion-ordered uuid -> task mapping. The entry at the
// front is the task the worker is running right now (or is about to run);
// everything behind it is queued.
type taskList struct {
	order []string
	items map[string]*protocol.Task
}

func newTaskList() *taskList {
	return &taskList{items: make(map[string]*protocol.Task)}
}

func (l *taskList) Len() int { return len(l.order) }

// Set records t under id, preserving the original position if id is already
// present.
func (l *taskList) Set(id string, t *protocol.Task) {
	if _, ok := l.items[id]; !ok {
		l.order = append(l.order, id)
	}
	l.items[id] = t
}

// Delete removes id and reports whether it was present.
func (l *taskList) Delete(id string) bool {
	if _, ok := l.items[id]; !ok {
		return false
	}
	delete(l.items, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// Front returns the least-recently inserted task, or nil when empty.
func (l *taskList) Front() *protocol.Task {
	if len(l.order) == 0 {
		return nil
	}
	return l.items[l.order[0]]
}

// UUIDs returns the ids in insertion order.
func (l *taskList) UUIDs() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Tasks returns the tasks in insertion order.
func (l *taskList) Tasks() []*protocol.Task {
	out := make([]*protocol.Task, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.items[id])
	}
	return out
}
