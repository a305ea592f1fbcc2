// Package database holds integration tests for the PostgreSQL event store,
// run against a real server via testcontainers.
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aegisops/swarm/pkg/eventstore/postgres"
	"github.com/aegisops/swarm/test/util"
)

// OpenTestStore opens a Postgres-backed store on a fresh test database,
// running migrations and starting the LISTEN loop. The store is closed when
// the test ends; the database is dropped by the config cleanup.
func OpenTestStore(t *testing.T) *postgres.Store {
	t.Helper()

	cfg := util.TestStoreConfig(t)
	store, err := postgres.Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}
