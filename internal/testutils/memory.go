package testutils

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mtr002/taskmanager/internal/interfaces"
)

// MemoryStore is an in-memory UserStore and TaskStore.
type MemoryStore struct {
	mu     sync.Mutex
	users  map[int64]*interfaces.User
	tasks  map[int64]*interfaces.Task
	nextID int64

	// FailCreateAfter makes CreateTask fail once this many tasks were
	// created. Zero disables it.
	FailCreateAfter int
	created         int
	Now             func() time.Time
}

var ErrInjected = errors.New("injected store failure")

var (
	_ interfaces.UserStore = (*MemoryStore)(nil)
	_ interfaces.TaskStore = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[int64]*interfaces.User),
		tasks: make(map[int64]*interfaces.Task),
		Now:   time.Now,
	}
}

func (m *MemoryStore) AddUser(u *interfaces.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddTask stores t as given, assigning an id when it has none.
func (m *MemoryStore) AddTask(t *interfaces.Task) *interfaces.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		m.nextID++
		t.ID = m.nextID
	} else if t.ID > m.nextID {
		m.nextID = t.ID
	}
	m.tasks[t.ID] = t
	return t
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (*interfaces.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) CreateTask(_ context.Context, ownerID int64, title, description string) (*interfaces.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreateAfter > 0 && m.created >= m.FailCreateAfter {
		return nil, ErrInjected
	}
	m.created++
	m.nextID++
	now := m.Now().UTC()
	t := &interfaces.Task{
		ID:          m.nextID,
		Title:       title,
		Description: description,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTasksByOwner(_ context.Context, ownerID int64) ([]*interfaces.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*interfaces.Task
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.Completed && t.UpdatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

// Tasks returns every stored task ordered by id.
func (m *MemoryStore) Tasks() []*interfaces.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*interfaces.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
