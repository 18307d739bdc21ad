package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// SettingsRepository reads the operator-edited settings row.
type SettingsRepository interface {
	// FetchBrokerSettings returns the stored broker connection parameters.
	// Unset columns come back empty; callers validate.
	FetchBrokerSettings(ctx context.Context) (domain.BrokerSettings, error)

	// LoadSiteSettings returns the site tenant, series and breakdown type.
	// An empty series falls back to the default series of the sample key counter.
	LoadSiteSettings(ctx context.Context) (domain.SiteSettings, error)
}
