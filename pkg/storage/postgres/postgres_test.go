package postgres_test

import (
	"context"
	"crypto/rand"
	stdsql "database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yysun/agent-world/pkg/models"
	"github.com/yysun/agent-world/pkg/storage"
	"github.com/yysun/agent-world/pkg/storage/postgres"
	"github.com/yysun/agent-world/pkg/storage/storetest"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// baseConnString returns a database to test against: CI_DATABASE_URL when
// set, otherwise a shared testcontainer started once per package.
func baseConnString(t *testing.T) string {
	if url := os.Getenv("CI_DATABASE_URL"); url != "" {
		return url
	}
	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		sharedConnStr, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)
	return sharedConnStr
}

// schemaConnString provisions a fresh schema on the shared database and
// returns a connection string scoped to it, so each test sees an empty
// store without a container per test.
func schemaConnString(t *testing.T) string {
	ctx := context.Background()
	connStr := baseConnString(t)
	schema := schemaName(t)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	t.Cleanup(func() {
		db, err := stdsql.Open("pgx", connStr)
		if err != nil {
			return
		}
		_, _ = db.ExecContext(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE")
		_ = db.Close()
	})

	sep := "?"
	if strings.Contains(connStr, "?") {
		sep = "&"
	}
	return connStr + sep + "search_path=" + schema
}

func openStore(t *testing.T) storage.Store {
	s, err := postgres.New(context.Background(), schemaConnString(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func schemaName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	suffix := make([]byte, 4)
	_, err := rand.Read(suffix)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(suffix))
}

func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres conformance needs a container")
	}
	storetest.Run(t, openStore)
}

// Two pools on one schema stand in for two server instances. However
// many dequeues race, a world must never end up with two live leases.
func TestDequeueSingleLeaseAcrossInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres contention test needs a container")
	}
	ctx := context.Background()
	connStr := schemaConnString(t)

	a, err := postgres.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := postgres.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ts := time.Now().UTC().Add(-time.Minute)
	w := &models.World{ID: "w1", Name: "w1", TurnLimit: 5, CreatedAt: ts, UpdatedAt: ts}
	require.NoError(t, a.SaveWorld(ctx, w))
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Enqueue(ctx, &models.QueueEntry{
			ID:             fmt.Sprintf("q%d", i),
			WorldID:        "w1",
			MessageID:      fmt.Sprintf("m%d", i),
			ChatID:         "c1",
			Content:        "hello",
			Sender:         models.SenderHuman,
			State:          models.QueueStatePending,
			EnqueuedAt:     ts.Add(time.Duration(i) * time.Second),
			NextEligibleAt: ts,
		}))
	}

	stores := []storage.Store{a, b}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var claimed []*models.QueueEntry
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(s storage.Store) {
			defer wg.Done()
			e, err := s.Dequeue(ctx, "w1", 15*time.Second)
			require.NoError(t, err)
			if e != nil {
				mu.Lock()
				claimed = append(claimed, e)
				mu.Unlock()
			}
		}(stores[i%2])
	}
	wg.Wait()

	require.Len(t, claimed, 1, "a racing dequeue leased a second entry")
	require.Equal(t, "q0", claimed[0].ID, "claims must stay FIFO")

	stats, err := a.QueueStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Leased)
	require.Equal(t, 2, stats.Pending)
}
