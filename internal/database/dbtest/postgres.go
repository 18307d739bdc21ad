//go:build integration

// Package dbtest starts a throwaway PostgreSQL container with the bridge
// schema applied, for tests built with the integration tag.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/veolab/igeo-bridge/internal/config"
	"github.com/veolab/igeo-bridge/internal/database"
)

// Image is the PostgreSQL image used by integration tests.
const Image = "postgres:16-alpine"

// Config starts a container and returns a config pointing at it.
func Config(t *testing.T) *config.DatabaseConfig {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, Image,
		postgres.WithDatabase("veolab"),
		postgres.WithUsername("veolab"),
		postgres.WithPassword("veolab"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return &config.DatabaseConfig{
		Host:              host,
		Port:              port.Int(),
		User:              "veolab",
		Password:          "veolab",
		Name:              "veolab",
		SSLMode:           config.SSLModeDisable,
		MaxConns:          16,
		MinConns:          1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   time.Minute,
		HealthCheckPeriod: 30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		LockTimeout:       5 * time.Second,
	}
}

// NewDB starts a container, connects to it and applies the embedded migrations.
func NewDB(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	db, err := database.New(ctx, Config(t), logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	m, err := database.NewMigrator(db, "", logger)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())

	return db
}
