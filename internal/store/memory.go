package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"vrpopt/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu      sync.Mutex
	models  map[string]model.ModelInfo      // name -> model
	history map[string][]model.HistoryEntry // name -> rows in insertion order
}

func NewMemory() *Memory {
	return &Memory{
		models:  map[string]model.ModelInfo{},
		history: map[string][]model.HistoryEntry{},
	}
}

func (m *Memory) UpsertModel(_ context.Context, in model.ModelInfo) error {
	if in.Name == "" {
		return fmt.Errorf("upsert model: name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := m.models[in.Name]; ok {
		in.CreatedAt = prev.CreatedAt
		in.IsActive = prev.IsActive
	} else {
		in.CreatedAt = now
		in.IsActive = false
	}
	in.UpdatedAt = now
	in.Metrics = maps.Clone(in.Metrics)
	in.Hyperparameters = maps.Clone(in.Hyperparameters)
	m.models[in.Name] = in
	return nil
}

func (m *Memory) GetModel(_ context.Context, name string) (model.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.models[name]
	if !ok {
		return model.ModelInfo{}, ErrNotFound
	}
	return mi, nil
}

func (m *Memory) ListModels(_ context.Context) ([]model.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ModelInfo, 0, len(m.models))
	for _, mi := range m.models {
		out = append(out, mi)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *Memory) ActivateModel(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.models[name]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	for k, mi := range m.models {
		active := k == name
		if mi.IsActive != active {
			mi.IsActive = active
			mi.UpdatedAt = now
			m.models[k] = mi
		}
	}
	return nil
}

func (m *Memory) ActiveModel(_ context.Context) (model.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mi := range m.models {
		if mi.IsActive {
			return mi, nil
		}
	}
	return model.ModelInfo{}, ErrNotFound
}

func (m *Memory) DeleteModel(_ context.Context, name string) (model.ModelInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mi, ok := m.models[name]
	if !ok {
		return model.ModelInfo{}, ErrNotFound
	}
	delete(m.models, name)
	return mi, nil
}

func (m *Memory) RecordHistory(_ context.Context, e model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.history[e.ModelName] = append(m.history[e.ModelName], e)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, name string, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.history[name]
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return append([]model.HistoryEntry{}, rows...), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
