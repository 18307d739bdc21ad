package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ SettingsRepository = (*PgSettingsRepository)(nil)

// PgSettingsRepository is a PostgreSQL implementation of SettingsRepository.
type PgSettingsRepository struct {
	db DBTX
}

// NewPgSettingsRepository creates a new PostgreSQL settings repository.
func NewPgSettingsRepository(db DBTX) *PgSettingsRepository {
	return &PgSettingsRepository{db: db}
}

// FetchBrokerSettings returns the stored broker connection parameters.
func (r *PgSettingsRepository) FetchBrokerSettings(ctx context.Context) (domain.BrokerSettings, error) {
	var (
		host, vhost, user, password *string
		port, poll                  *int32
	)
	err := r.db.QueryRow(ctx, `
		SELECT broker_host, broker_port, broker_vhost, broker_user, broker_password, poll_seconds
		FROM site_settings WHERE id = 1`).Scan(&host, &port, &vhost, &user, &password, &poll)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BrokerSettings{}, domain.NewNotFoundError("site settings", "1")
		}
		return domain.BrokerSettings{}, fmt.Errorf("failed to fetch broker settings: %w", err)
	}

	s := domain.BrokerSettings{
		Host:     derefString(host),
		VHost:    derefString(vhost),
		User:     derefString(user),
		Password: derefString(password),
	}
	if port != nil {
		s.Port = int(*port)
	}
	if poll != nil {
		s.PollSeconds = int(*poll)
	}
	return s, nil
}

// LoadSiteSettings returns the site tenant, series and breakdown type.
func (r *PgSettingsRepository) LoadSiteSettings(ctx context.Context) (domain.SiteSettings, error) {
	var site domain.SiteSettings
	err := r.db.QueryRow(ctx, `
		SELECT tenant, series, breakdown_type FROM site_settings WHERE id = 1`,
	).Scan(&site.Tenant, &site.Series, &site.BreakdownType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SiteSettings{}, domain.NewNotFoundError("site settings", "1")
		}
		return domain.SiteSettings{}, fmt.Errorf("failed to load site settings: %w", err)
	}

	if site.Series != "" {
		return site, nil
	}

	err = r.db.QueryRow(ctx, `
		SELECT series FROM technical_keys
		WHERE tenant = $1 AND table_name = $2 AND is_default
		ORDER BY series
		LIMIT 1`, site.Tenant, domain.KeyTableSamples).Scan(&site.Series)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.SiteSettings{}, fmt.Errorf("failed to load default series: %w", err)
	}

	return site, nil
}
