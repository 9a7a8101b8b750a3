// Postgres-backed registry tests; run with CAMPUS_ESCORT_TEST_DSN set.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/campus-escort/internal/models"
)

func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("CAMPUS_ESCORT_TEST_DSN")
	if dsn == "" {
		t.Skip("CAMPUS_ESCORT_TEST_DSN not set; skipping postgres registry tests")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Migrate(ctx, filepath.Join("..", "..", "migrations", "001_create_rides.sql")))
	_, err = s.db.ExecContext(ctx, `TRUNCATE TABLE rides, drivers RESTART IDENTITY`)
	require.NoError(t, err)
	return s
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)

	require.NoError(t, s.CreateRide(ctx, newRide("r1")))
	require.NoError(t, s.CreateRide(ctx, newRide("r2")))
	pinged := time.Now().Add(-time.Hour).Truncate(time.Second)
	_, err := s.UpdateDriverLocation(ctx, "d1", 47.65, -122.30, pinged)
	require.NoError(t, err)

	waiting, err := s.ListRides(ctx, Waiting)
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, "r1", waiting[0].ID)

	require.NoError(t, s.MatchRide(ctx, "r1", "d1"))
	assert.ErrorIs(t, s.MatchRide(ctx, "r1", "d1"), models.ErrRideNotWaiting)
	assert.ErrorIs(t, s.MatchRide(ctx, "r2", "d1"), models.ErrDriverUnavailable)
	assert.ErrorIs(t, s.MatchRide(ctx, "r2", "ghost"), models.ErrNotFound)

	driverID, err := s.CompleteRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "d1", driverID)

	d, err := s.GetDriver(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, d.Available)
	assert.Equal(t, 47.65, d.Lat)
	assert.True(t, d.LastUpdated.Equal(pinged), "transitions keep the last ping time")
}

func TestPostgresStore_ConcurrentAcceptSameRide(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)
	require.NoError(t, s.CreateRide(ctx, newRide("r1")))

	const attempts = 8
	for i := 0; i < attempts; i++ {
		_, err := s.UpdateDriverLocation(ctx, fmt.Sprintf("d%d", i), 47.65, -122.30, time.Now())
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			errs <- s.MatchRide(ctx, "r1", did)
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		assert.ErrorIs(t, err, models.ErrConflict)
	}
	assert.Equal(t, 1, success)
	assertBijection(t, s)
}
