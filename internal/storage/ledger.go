package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/rider-agent/internal/models"
)

// Ledger records rider earnings. Record is idempotent on OrderID: the first
// call stores the line and returns true, later calls return false.
type Ledger interface {
	Record(ctx context.Context, e models.Earning) (bool, error)
	Total(ctx context.Context) (float64, error)
	List(ctx context.Context, limit int) ([]models.Earning, error)
}

type MemoryLedger struct {
	mu    sync.RWMutex
	lines map[string]models.Earning
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{lines: make(map[string]models.Earning)}
}

func (m *MemoryLedger) Record(ctx context.Context, e models.Earning) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lines[e.OrderID]; ok {
		return false, nil
	}
	m.lines[e.OrderID] = e
	return true, nil
}

func (m *MemoryLedger) Total(ctx context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum float64
	for _, e := range m.lines {
		sum += e.Amount
	}
	return sum, nil
}

// List returns the newest lines first.
func (m *MemoryLedger) List(ctx context.Context, limit int) ([]models.Earning, error) {
	m.mu.RLock()
	out := make([]models.Earning, 0, len(m.lines))
	for _, e := range m.lines {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryLedger) Get(orderID string) (models.Earning, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.lines[orderID]
	return e, ok
}
