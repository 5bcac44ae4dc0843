package tasksource

import (
	"context"
	"sort"
	"sync"
)

// Memory is a mutable in-process Source.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]Task
	subs  subscribers
}

func NewMemory(tasks ...Task) *Memory {
	m := &Memory{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

// Put adds or replaces a task and notifies subscribers.
func (m *Memory) Put(t Task) {
	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()
	m.subs.publish(t.ID)
}

// Remove deletes a task and notifies subscribers.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	_, ok := m.tasks[id]
	delete(m.tasks, id)
	m.mu.Unlock()
	if ok {
		m.subs.publish(id)
	}
}

func (m *Memory) ListActiveTasks(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return activeSorted(m.tasks), nil
}

func (m *Memory) Get(ctx context.Context, id string) (Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok, nil
}

func (m *Memory) Subscribe(buffer int) (<-chan string, func()) { return m.subs.add(buffer) }

func activeSorted(tasks map[string]Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
