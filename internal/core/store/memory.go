package store

import (
	"context"
	"sync"

	"github.com/verity-health/verity/internal/core/model"
)

// Memory is an in-memory implementation of Store.
// Useful for testing and development.
type Memory struct {
	mu     sync.RWMutex
	tables map[model.Kind]map[string]model.Row
}

// NewMemory creates a new in-memory record store.
func NewMemory() *Memory {
	return &Memory{
		tables: make(map[model.Kind]map[string]model.Row),
	}
}

func (m *Memory) Get(_ context.Context, kind model.Kind, key string) (model.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.tables[kind][key]
	if !ok {
		return nil, ErrNotFound
	}
	return row, nil
}

func (m *Memory) Put(_ context.Context, row model.Row) (model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := row.RowKind()
	table, ok := m.tables[kind]
	if !ok {
		table = make(map[string]model.Row)
		m.tables[kind] = table
	}
	prev := table[row.Key()]
	table[row.Key()] = row
	return prev, nil
}

func (m *Memory) Delete(_ context.Context, kind model.Kind, key string) (model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.tables[kind][key]
	if !ok {
		return nil, nil
	}
	delete(m.tables[kind], key)
	return prev, nil
}

// Scan iterates over a point-in-time copy of the table so fn may itself
// call back into the store without deadlocking.
func (m *Memory) Scan(ctx context.Context, kind model.Kind, fn func(model.Row) error) error {
	m.mu.RLock()
	rows := make([]model.Row, 0, len(m.tables[kind]))
	for _, row := range m.tables[kind] {
		rows = append(rows, row)
	}
	m.mu.RUnlock()

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}
