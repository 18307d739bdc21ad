//go:build integration

package database_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veolab/igeo-bridge/internal/database"
	"github.com/veolab/igeo-bridge/internal/database/dbtest"
)

func TestDB_AgainstPostgres(t *testing.T) {
	cfg := dbtest.Config(t)
	ctx := context.Background()

	db, err := database.New(ctx, cfg, zerolog.Nop(), database.WithApplicationName("igeo-bridge-inbound"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	t.Run("health reports healthy", func(t *testing.T) {
		health := db.Health(ctx)
		assert.Equal(t, database.StatusHealthy, health.Status)
		assert.Equal(t, "igeo-bridge-inbound", health.ApplicationName)
		assert.GreaterOrEqual(t, health.MaxConns, int32(1))
	})

	t.Run("connections carry the application name", func(t *testing.T) {
		var name string
		require.NoError(t, db.QueryRow(ctx, `SELECT current_setting('application_name')`).Scan(&name))
		assert.Equal(t, "igeo-bridge-inbound", name)
	})

	t.Run("lock timeout bounds row lock waits", func(t *testing.T) {
		var timeout string
		require.NoError(t, db.QueryRow(ctx, `SHOW lock_timeout`).Scan(&timeout))
		assert.Equal(t, "5s", timeout)
	})

	t.Run("closed pool reports unhealthy", func(t *testing.T) {
		other, err := database.New(ctx, cfg, zerolog.Nop())
		require.NoError(t, err)
		other.Close()

		health := other.Health(ctx)
		assert.Equal(t, database.StatusUnhealthy, health.Status)
		assert.NotEmpty(t, health.Error)
	})
}

func TestMigrator_Embedded(t *testing.T) {
	db := dbtest.NewDB(t)
	logger := zerolog.Nop()

	m, err := database.NewMigrator(db, "", logger)
	require.NoError(t, err)
	defer m.Close()

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// Already at the latest version.
	assert.NoError(t, m.Up())
	assert.NoError(t, m.Steps(1))
}
