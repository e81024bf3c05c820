package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/jobengine/internal/domain"
)

var _ Cache = (*Memory)(nil)

// Memory is an in-process progress cache
type Memory struct {
	mu      sync.RWMutex
	entries map[int64]domain.JobStatusProgress
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{entries: make(map[int64]domain.JobStatusProgress)}
}

func (m *Memory) GetCachedProgress(_ context.Context, jobID int64) (*domain.JobStatusProgress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.entries[jobID]
	if !ok {
		return nil, nil
	}
	return copyProgress(&p), nil
}

func (m *Memory) SetCachedProgress(_ context.Context, jobID int64, percent *int, note, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *domain.JobStatusProgress
	if p, ok := m.entries[jobID]; ok {
		prev = &p
	}
	m.entries[jobID] = *merge(prev, jobID, percent, note, data, time.Now().UTC())
	return nil
}

func (m *Memory) SetCachedProgressStatus(_ context.Context, jobID int64, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entries[jobID]
	p.JobID = jobID
	p.ExistsInDB = true
	p.Status = status
	p.Updated = time.Now().UTC()
	m.entries[jobID] = p
	return nil
}

func (m *Memory) SetCachedProgressError(_ context.Context, jobID int64, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.entries[jobID]
	p.JobID = jobID
	p.ExistsInDB = true
	p.Status = domain.StatusError
	p.Error = message
	p.Updated = time.Now().UTC()
	m.entries[jobID] = p
	return nil
}

func (m *Memory) DeleteCachedProgress(_ context.Context, jobID int64) error {
	m.mu.Lock()
	delete(m.entries, jobID)
	m.mu.Unlock()
	return nil
}

func copyProgress(p *domain.JobStatusProgress) *domain.JobStatusProgress {
	c := *p
	if p.Percent != nil {
		v := *p.Percent
		c.Percent = &v
	}
	return &c
}
