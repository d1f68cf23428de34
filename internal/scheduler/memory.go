package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
)

// MemoryStore keeps schedules in process, for runs without a database.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]domain.Schedule
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]domain.Schedule)}
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s domain.Schedule) (string, error) {
	if s.ID == "" {
		s.ID = "sch_" + uuid.NewString()
	}
	if s.MaxAttempts == 0 {
		s.MaxAttempts = 1
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.mu.Lock()
	m.schedules[s.ID] = s
	m.mu.Unlock()
	return s.ID, nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return domain.Schedule{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]domain.Schedule, error) {
	m.mu.Lock()
	out := make([]domain.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.schedules[s.ID]
	if !ok {
		return ErrNotFound
	}
	s.CreatedAt, s.LastRun, s.UpdatedAt = old.CreatedAt, old.LastRun, time.Now()
	m.schedules[s.ID] = s
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) GetDueSchedules(_ context.Context, now time.Time) ([]domain.Schedule, error) {
	m.mu.Lock()
	var out []domain.Schedule
	for _, s := range m.schedules {
		if s.Enabled && !s.NextRun.After(now) {
			out = append(out, s)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextRun.Before(out[j].NextRun) })
	return out, nil
}

func (m *MemoryStore) UpdateScheduleLastRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.LastRun = &lastRun
	s.NextRun = nextRun
	s.UpdatedAt = time.Now()
	m.schedules[s.ID] = s
	return nil
}
