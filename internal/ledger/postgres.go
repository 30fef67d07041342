package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kengen-ai/kengen/internal/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS governance_events (
	id             UUID PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	event_type     TEXT NOT NULL,
	agent_id       TEXT NOT NULL,
	tenant_id      UUID NOT NULL,
	correlation_id UUID NOT NULL,
	metadata       JSONB
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON governance_events (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON governance_events (correlation_id);

CREATE TABLE IF NOT EXISTS receipts (
	id             UUID PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	tenant_id      UUID NOT NULL,
	agent_id       TEXT NOT NULL,
	correlation_id UUID NOT NULL,
	body           JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant_ts ON receipts (tenant_id, ts);
CREATE INDEX IF NOT EXISTS idx_receipts_correlation ON receipts (correlation_id);
`

// Postgres is a pgx-backed ledger for deployments where several processes
// share one governance store. Appends retry on transient conflicts.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects a pooled Postgres ledger and ensures its schema.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse postgres DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// AppendEvent records a governance event, retrying transient conflicts.
func (p *Postgres) AppendEvent(ctx context.Context, ev model.GovernanceEvent) error {
	if ev.ID == uuid.Nil {
		return fmt.Errorf("ledger: event has no id")
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("ledger: marshal event metadata: %w", err)
	}
	return p.withRetry(ctx, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO governance_events (id, ts, event_type, agent_id, tenant_id, correlation_id, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.ID, ev.Timestamp.UTC(), string(ev.Type), ev.AgentID, ev.TenantID, ev.CorrelationID, meta,
		)
		if err != nil {
			return fmt.Errorf("ledger: insert event: %w", err)
		}
		return nil
	})
}

// AppendReceipt records an execution receipt, retrying transient conflicts.
func (p *Postgres) AppendReceipt(ctx context.Context, r model.Receipt) error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("ledger: receipt has no id")
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("ledger: marshal receipt: %w", err)
	}
	return p.withRetry(ctx, func() error {
		_, err := p.pool.Exec(ctx,
			`INSERT INTO receipts (id, ts, tenant_id, agent_id, correlation_id, body)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			r.ID, r.Timestamp.UTC(), r.TenantID, r.AgentID, r.CorrelationID, body,
		)
		if err != nil {
			return fmt.Errorf("ledger: insert receipt: %w", err)
		}
		return nil
	})
}

// Events returns matching events ordered by timestamp ascending.
func (p *Postgres) Events(ctx context.Context, f EventFilter) ([]model.GovernanceEvent, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != uuid.Nil {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if f.Type != "" {
		where = append(where, "event_type = "+arg(string(f.Type)))
	}
	if f.CorrelationID != uuid.Nil {
		where = append(where, "correlation_id = "+arg(f.CorrelationID))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= "+arg(f.Until.UTC()))
	}

	q := `SELECT id, ts, event_type, agent_id, tenant_id, correlation_id, metadata FROM governance_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC LIMIT " + arg(limitOrDefault(f.Limit))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()

	var out []model.GovernanceEvent
	for rows.Next() {
		var (
			ev   model.GovernanceEvent
			typ  string
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &typ, &ev.AgentID, &ev.TenantID, &ev.CorrelationID, &meta); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		ev.Type = model.EventType(typ)
		if len(meta) > 0 && string(meta) != "null" {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("ledger: parse event metadata: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Receipts returns matching receipts ordered by timestamp ascending.
func (p *Postgres) Receipts(ctx context.Context, f ReceiptFilter) ([]model.Receipt, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.TenantID != uuid.Nil {
		where = append(where, "tenant_id = "+arg(f.TenantID))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if f.CorrelationID != uuid.Nil {
		where = append(where, "correlation_id = "+arg(f.CorrelationID))
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= "+arg(f.Since.UTC()))
	}
	if !f.Until.IsZero() {
		where = append(where, "ts <= "+arg(f.Until.UTC()))
	}

	q := `SELECT body FROM receipts`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC LIMIT " + arg(limitOrDefault(f.Limit))

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query receipts: %w", err)
	}
	defer rows.Close()

	var out []model.Receipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("ledger: scan receipt: %w", err)
		}
		var r model.Receipt
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("ledger: parse receipt: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isRetriable reports Postgres error codes that indicate a transient conflict.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001": // serialization_failure
		return true
	case "40P01": // deadlock_detected
		return true
	default:
		return false
	}
}

// withRetry executes fn, retrying up to three times on serialization or
// deadlock errors with jittered exponential backoff.
func (p *Postgres) withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	delay := 10 * time.Millisecond

	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !isRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		p.logger.Warn("ledger: retrying transient conflict",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
