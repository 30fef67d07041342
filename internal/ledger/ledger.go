// Package ledger persists governance events and execution receipts.
//
// Three backends share one interface: an in-memory store for embedded and
// test use, SQLite for single-node deployments, and Postgres for shared
// ones. The ledger is append-only; nothing updates or deletes a record.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/kengen-ai/kengen/internal/model"
)

// EventFilter narrows an event query. Zero fields match everything.
type EventFilter struct {
	TenantID      uuid.UUID
	AgentID       string
	Type          model.EventType
	CorrelationID uuid.UUID
	Since         time.Time
	Until         time.Time
	Limit         int // 0 means DefaultQueryLimit
}

// ReceiptFilter narrows a receipt query. Zero fields match everything.
type ReceiptFilter struct {
	TenantID      uuid.UUID
	AgentID       string
	CorrelationID uuid.UUID
	Since         time.Time
	Until         time.Time
	Limit         int // 0 means DefaultQueryLimit
}

// DefaultQueryLimit caps query results when the filter does not.
const DefaultQueryLimit = 1000

// Ledger is the append-only governance store.
type Ledger interface {
	// AppendEvent records a governance event. The event ID must be set.
	AppendEvent(ctx context.Context, ev model.GovernanceEvent) error

	// AppendReceipt records an execution receipt.
	AppendReceipt(ctx context.Context, r model.Receipt) error

	// Events returns matching events ordered by timestamp ascending.
	Events(ctx context.Context, f EventFilter) ([]model.GovernanceEvent, error)

	// Receipts returns matching receipts ordered by timestamp ascending.
	Receipts(ctx context.Context, f ReceiptFilter) ([]model.Receipt, error)

	// Close releases backend resources.
	Close() error
}

func (f EventFilter) matches(ev model.GovernanceEvent) bool {
	if f.TenantID != uuid.Nil && ev.TenantID != f.TenantID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.CorrelationID != uuid.Nil && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func (f ReceiptFilter) matches(r model.Receipt) bool {
	if f.TenantID != uuid.Nil && r.TenantID != f.TenantID {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.CorrelationID != uuid.Nil && r.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && r.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}
