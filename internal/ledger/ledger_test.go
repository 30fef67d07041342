package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kengen-ai/kengen/internal/ledger"
	"github.com/kengen-ai/kengen/internal/model"
)

var (
	tenantA = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	tenantB = uuid.MustParse("22222222-2222-2222-2222-222222222222")
)

func testEvent(tenant uuid.UUID, agent string, typ model.EventType, at time.Time) model.GovernanceEvent {
	return model.GovernanceEvent{
		ID:            uuid.New(),
		Timestamp:     at,
		Type:          typ,
		AgentID:       agent,
		TenantID:      tenant,
		CorrelationID: uuid.New(),
		Metadata:      map[string]any{"rule": "allow-read"},
	}
}

func testReceipt(tenant uuid.UUID, agent string, at time.Time) model.Receipt {
	return model.Receipt{
		ID:               uuid.New(),
		Timestamp:        at,
		Duration:         42 * time.Millisecond,
		CapabilitiesUsed: []string{"user.read"},
		AgentID:          agent,
		TenantID:         tenant,
		CorrelationID:    uuid.New(),
		ResultHash:       "deadbeef",
		AuditTrail: []model.AuditEntry{
			{Phase: "delegation_validated", Timestamp: at, Result: "ok"},
			{Phase: "executed", Timestamp: at, Result: "ok"},
		},
	}
}

// runLedgerSuite exercises the behavior every backend must share.
func runLedgerSuite(t *testing.T, open func(t *testing.T) ledger.Ledger) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("append and query events", func(t *testing.T) {
		l := open(t)

		evA := testEvent(tenantA, "agent-a", model.EventPolicyDecision, base)
		evB := testEvent(tenantB, "agent-b", model.EventExecutionCompleted, base.Add(time.Minute))
		require.NoError(t, l.AppendEvent(ctx, evA))
		require.NoError(t, l.AppendEvent(ctx, evB))

		all, err := l.Events(ctx, ledger.EventFilter{})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, evA.ID, all[0].ID, "results ordered by timestamp")
		assert.Equal(t, "allow-read", all[0].Metadata["rule"])

		byTenant, err := l.Events(ctx, ledger.EventFilter{TenantID: tenantB})
		require.NoError(t, err)
		require.Len(t, byTenant, 1)
		assert.Equal(t, evB.ID, byTenant[0].ID)

		byType, err := l.Events(ctx, ledger.EventFilter{Type: model.EventPolicyDecision})
		require.NoError(t, err)
		require.Len(t, byType, 1)
		assert.Equal(t, evA.ID, byType[0].ID)

		byCorr, err := l.Events(ctx, ledger.EventFilter{CorrelationID: evB.CorrelationID})
		require.NoError(t, err)
		require.Len(t, byCorr, 1)

		windowed, err := l.Events(ctx, ledger.EventFilter{Since: base.Add(30 * time.Second)})
		require.NoError(t, err)
		require.Len(t, windowed, 1)
		assert.Equal(t, evB.ID, windowed[0].ID)
	})

	t.Run("event without id rejected", func(t *testing.T) {
		l := open(t)
		ev := testEvent(tenantA, "agent-a", model.EventPolicyDecision, base)
		ev.ID = uuid.Nil
		require.Error(t, l.AppendEvent(ctx, ev))
	})

	t.Run("append and query receipts", func(t *testing.T) {
		l := open(t)

		rA := testReceipt(tenantA, "agent-a", base)
		rB := testReceipt(tenantA, "agent-b", base.Add(time.Hour))
		require.NoError(t, l.AppendReceipt(ctx, rA))
		require.NoError(t, l.AppendReceipt(ctx, rB))

		all, err := l.Receipts(ctx, ledger.ReceiptFilter{TenantID: tenantA})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, rA.ID, all[0].ID)
		assert.Equal(t, []string{"user.read"}, all[0].CapabilitiesUsed)
		require.Len(t, all[0].AuditTrail, 2)
		assert.Equal(t, "executed", all[0].AuditTrail[1].Phase)

		byAgent, err := l.Receipts(ctx, ledger.ReceiptFilter{AgentID: "agent-b"})
		require.NoError(t, err)
		require.Len(t, byAgent, 1)
		assert.Equal(t, rB.ID, byAgent[0].ID)

		until, err := l.Receipts(ctx, ledger.ReceiptFilter{Until: base.Add(time.Minute)})
		require.NoError(t, err)
		require.Len(t, until, 1)
	})

	t.Run("limit caps results", func(t *testing.T) {
		l := open(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, l.AppendEvent(ctx,
				testEvent(tenantA, "agent-a", model.EventPolicyDecision, base.Add(time.Duration(i)*time.Second))))
		}
		out, err := l.Events(ctx, ledger.EventFilter{Limit: 3})
		require.NoError(t, err)
		assert.Len(t, out, 3)
	})

	t.Run("empty query returns nothing", func(t *testing.T) {
		l := open(t)
		out, err := l.Events(ctx, ledger.EventFilter{TenantID: uuid.New()})
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestMemoryLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledger.Ledger {
		l := ledger.NewMemory()
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestSQLiteLedger(t *testing.T) {
	runLedgerSuite(t, func(t *testing.T) ledger.Ledger {
		l, err := ledger.NewSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Close() })
		return l
	})
}

func TestMemoryLedgerConcurrentAppend(t *testing.T) {
	l := ledger.NewMemory()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				_ = l.AppendEvent(ctx, testEvent(tenantA, "agent-a", model.EventPolicyDecision, time.Now()))
			}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	out, err := l.Events(ctx, ledger.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, out, 500)
}
