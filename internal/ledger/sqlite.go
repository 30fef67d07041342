package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/kengen-ai/kengen/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS governance_events (
	id             TEXT PRIMARY KEY,
	ts             TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	metadata       TEXT
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON governance_events (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON governance_events (correlation_id);

CREATE TABLE IF NOT EXISTS receipts (
	id             TEXT PRIMARY KEY,
	ts             TEXT NOT NULL,
	tenant_id      TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	body           TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant_ts ON receipts (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_receipts_correlation ON receipts (correlation_id);
`

// SQLite is a file-backed ledger for single-node deployments. Receipts are
// stored as JSON documents; events keep their query columns flat.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) a SQLite ledger at dsn. Use
// "file:path/to/ledger.db" for a file or ":memory:" for an ephemeral store.
func NewSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes itself; a single connection
	// avoids SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// AppendEvent records a governance event.
func (s *SQLite) AppendEvent(ctx context.Context, ev model.GovernanceEvent) error {
	if ev.ID == uuid.Nil {
		return fmt.Errorf("ledger: event has no id")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal event metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO governance_events (id, ts, event_type, agent_id, tenant_id, correlation_id, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.Timestamp.UTC().Format(time.RFC3339Nano), string(ev.Type),
		ev.AgentID, ev.TenantID.String(), ev.CorrelationID.String(), string(meta),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	return nil
}

// AppendReceipt records an execution receipt as a JSON document.
func (s *SQLite) AppendReceipt(ctx context.Context, r model.Receipt) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("ledger: receipt has no id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: marshal receipt: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (id, ts, tenant_id, agent_id, correlation_id, body)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.TenantID.String(), r.AgentID, r.CorrelationID.String(), string(body),
	)
	if err != nil {
		return fmt.Errorf("ledger: insert receipt: %w", err)
	}
	return nil
}

// Events returns matching events ordered by timestamp ascending.
func (s *SQLite) Events(ctx context.Context, f EventFilter) ([]model.GovernanceEvent, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != uuid.Nil {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID.String())
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.CorrelationID != uuid.Nil {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID.String())
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	q := `SELECT id, ts, event_type, agent_id, tenant_id, correlation_id, metadata FROM governance_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()

	var out []model.GovernanceEvent
	for rows.Next() {
		var (
			ev                        model.GovernanceEvent
			id, ts, tenant, corr, typ string
			meta                      sql.NullString
		)
		if err := rows.Scan(&id, &ts, &typ, &ev.AgentID, &tenant, &corr, &meta); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("ledger: parse event id: %w", err)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("ledger: parse event timestamp: %w", err)
		}
		ev.Type = model.EventType(typ)
		if ev.TenantID, err = uuid.Parse(tenant); err != nil {
			return nil, fmt.Errorf("ledger: parse event tenant: %w", err)
		}
		if ev.CorrelationID, err = uuid.Parse(corr); err != nil {
			return nil, fmt.Errorf("ledger: parse event correlation: %w", err)
		}
		if meta.Valid && meta.String != "" && meta.String != "null" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: parse event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Receipts returns matching receipts ordered by timestamp ascending.
func (s *SQLite) Receipts(ctx context.Context, f ReceiptFilter) ([]model.Receipt, error) {
	var (
		where []string
		args  []any
	)
	if f.TenantID != uuid.Nil {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID.String())
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.CorrelationID != uuid.Nil {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID.String())
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	q := `SELECT body FROM receipts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC LIMIT ?"
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query receipts: %w", err)
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("ledger: scan receipt: %w", err)
		}
		var r model.Receipt
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, fmt.Errorf("ledger: parse receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
