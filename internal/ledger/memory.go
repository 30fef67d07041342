package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/model"
)

// Memory is an in-memory append-only ledger. Safe for concurrent use.
// Suitable for embedded deployments and tests; records do not survive a
// process restart.
type Memory struct {
	mu       sync.RWMutex
	events   []model.GovernanceEvent
	receipts []model.Receipt
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{}
}

// AppendEvent records a governance event.
func (m *Memory) AppendEvent(_ context.Context, ev model.GovernanceEvent) error {
	if ev.ID == uuid.Nil {
		return fmt.Errorf("ledger: event has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// AppendReceipt records an execution receipt.
func (m *Memory) AppendReceipt(_ context.Context, r model.Receipt) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("ledger: receipt has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts = append(m.receipts, r)
	return nil
}

// Events returns matching events ordered by timestamp ascending.
func (m *Memory) Events(_ context.Context, f EventFilter) ([]model.GovernanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := limitOrDefault(f.Limit)
	out := make([]model.GovernanceEvent, 0)
	for _, ev := range m.events {
		if f.matches(ev) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Receipts returns matching receipts ordered by timestamp ascending.
func (m *Memory) Receipts(_ context.Context, f ReceiptFilter) ([]model.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := limitOrDefault(f.Limit)
	out := make([]model.Receipt, 0)
	for _, r := range m.receipts {
		if f.matches(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory ledger.
func (m *Memory) Close() error { return nil }
