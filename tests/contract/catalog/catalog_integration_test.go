package catalog_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quantfold/backcast/internal/catalog"
	"github.com/quantfold/backcast/internal/snapshot"
)

var (
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "backcast"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
		os.Exit(m.Run())
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}

	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/backcast?sslmode=disable", host, port.Port())
	return catalog.ApplyMigrations(ctx, testDSN, nil)
}

func requireSetup(t *testing.T) *catalog.Store {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}

	pool, err := pgxpool.New(context.Background(), testDSN)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return catalog.New(pool)
}

func sampleSnapshot(id string) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Version:    snapshot.CurrentVersion,
		SnapshotID: id,
		CreateTime: time.Now().UTC(),
		Account: snapshot.AccountState{
			Cash:             decimal.NewFromInt(95000),
			AvailableBalance: decimal.NewFromInt(95000),
		},
		Positions:     []snapshot.PositionState{},
		Strategies:    []snapshot.StrategyState{},
		EventSequence: 1000,
		PendingEvents: []any{},
		DataTimestamp: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		DataIndex:     5000,
		BacktestID:    "bt-contract",
	}
}

func TestRecordListDelete(t *testing.T) {
	store := requireSetup(t)
	ctx := context.Background()

	require.NoError(t, store.RecordSnapshot(ctx, sampleSnapshot("snap-a"), "/tmp/snap-a.json"))
	require.NoError(t, store.RecordSnapshot(ctx, sampleSnapshot("snap-b"), "/tmp/snap-b.json"))

	records, err := store.List(ctx, "bt-contract")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1000), records[0].EventSequence)
	assert.Equal(t, 5000, records[0].DataIndex)

	// Re-recording the same snapshot updates rather than duplicates.
	require.NoError(t, store.RecordSnapshot(ctx, sampleSnapshot("snap-a"), "/tmp/snap-a-v2.json"))
	records, err = store.List(ctx, "bt-contract")
	require.NoError(t, err)
	require.Len(t, records, 2)

	deleted, err := store.Delete(ctx, "snap-a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "snap-a")
	require.NoError(t, err)
	assert.False(t, deleted)

	records, err = store.List(ctx, "bt-contract")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "snap-b", records[0].SnapshotID)
}
