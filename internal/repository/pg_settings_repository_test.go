package repository

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veolab/igeo-bridge/internal/domain"
)

func int32Ptr(v int32) *int32 { return &v }

func TestPgSettingsRepository_FetchBrokerSettings(t *testing.T) {
	ctx := context.Background()
	cols := []string{"broker_host", "broker_port", "broker_vhost", "broker_user", "broker_password", "poll_seconds"}

	t.Run("complete row", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT broker_host, .* FROM site_settings WHERE id = 1").
			WillReturnRows(pgxmock.NewRows(cols).AddRow(
				strPtr("rabbit.local"), int32Ptr(5672), strPtr("/igeo"), strPtr("bridge"), strPtr("secret"), int32Ptr(90)))

		got, err := NewPgSettingsRepository(mock).FetchBrokerSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.BrokerSettings{
			Host: "rabbit.local", Port: 5672, VHost: "/igeo", User: "bridge", Password: "secret", PollSeconds: 90,
		}, got)
		assert.NoError(t, got.Validate())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unset columns come back empty", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("FROM site_settings").
			WillReturnRows(pgxmock.NewRows(cols).AddRow(strPtr("rabbit.local"), nil, nil, nil, nil, nil))

		got, err := NewPgSettingsRepository(mock).FetchBrokerSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rabbit.local", got.Host)
		assert.Zero(t, got.Port)
		assert.ErrorIs(t, got.Validate(), domain.ErrInvalidInput)
	})

	t.Run("missing row", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("FROM site_settings").WillReturnError(pgx.ErrNoRows)

		_, err = NewPgSettingsRepository(mock).FetchBrokerSettings(ctx)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestPgSettingsRepository_LoadSiteSettings(t *testing.T) {
	ctx := context.Background()
	cols := []string{"tenant", "series", "breakdown_type"}

	t.Run("configured series", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("SELECT tenant, series, breakdown_type FROM site_settings").
			WillReturnRows(pgxmock.NewRows(cols).AddRow("01", "A", "T"))

		site, err := NewPgSettingsRepository(mock).LoadSiteSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, testSite, site)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to the default series", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("FROM site_settings").
			WillReturnRows(pgxmock.NewRows(cols).AddRow("01", "", "T"))
		mock.ExpectQuery("SELECT series FROM technical_keys .* AND is_default").
			WithArgs("01", domain.KeyTableSamples).
			WillReturnRows(pgxmock.NewRows([]string{"series"}).AddRow("B"))

		site, err := NewPgSettingsRepository(mock).LoadSiteSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "B", site.Series)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no default series leaves it empty", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		mock.ExpectQuery("FROM site_settings").
			WillReturnRows(pgxmock.NewRows(cols).AddRow("01", "", ""))
		mock.ExpectQuery("FROM technical_keys").
			WithArgs("01", domain.KeyTableSamples).
			WillReturnError(pgx.ErrNoRows)

		site, err := NewPgSettingsRepository(mock).LoadSiteSettings(ctx)
		require.NoError(t, err)
		assert.Equal(t, "", site.Series)
	})
}
