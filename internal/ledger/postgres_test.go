package ledger_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kengen-ai/kengen/internal/ledger"
)

// TestPostgresLedger runs the shared suite against a disposable Postgres
// container. Set KENGEN_TEST_POSTGRES=1 to enable; it needs a Docker daemon.
func TestPostgresLedger(t *testing.T) {
	if os.Getenv("KENGEN_TEST_POSTGRES") == "" {
		t.Skip("set KENGEN_TEST_POSTGRES=1 to run the Postgres ledger tests")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "kengen",
			"POSTGRES_PASSWORD": "kengen",
			"POSTGRES_DB":       "kengen",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://kengen:kengen@%s:%s/kengen?sslmode=disable", host, port.Port())

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	runLedgerSuite(t, func(t *testing.T) ledger.Ledger {
		pg, err := ledger.NewPostgres(ctx, dsn, logger)
		require.NoError(t, err)

		// Each subtest starts from a clean slate in the shared database.
		conn, err := pgx.Connect(ctx, dsn)
		require.NoError(t, err)
		_, err = conn.Exec(ctx, "TRUNCATE governance_events, receipts")
		require.NoError(t, err)
		require.NoError(t, conn.Close(ctx))

		t.Cleanup(func() { _ = pg.Close() })
		return pg
	})
}
