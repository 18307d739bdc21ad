package repository

import (
	"context"
	"fmt"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ EventLogRepository = (*PgEventLogRepository)(nil)

// PgEventLogRepository is a PostgreSQL implementation of EventLogRepository.
type PgEventLogRepository struct {
	db   DBTX
	keys KeyAllocator
	site domain.SiteSettings
}

// NewPgEventLogRepository creates an event log repository that keys its rows
// from the site's event_log counter. keys must share db's transaction.
func NewPgEventLogRepository(db DBTX, keys KeyAllocator, site domain.SiteSettings) *PgEventLogRepository {
	return &PgEventLogRepository{db: db, keys: keys, site: site}
}

// AppendLogEntry writes entry and returns its code.
func (r *PgEventLogRepository) AppendLogEntry(ctx context.Context, entry domain.LogEntry) (int64, error) {
	if entry.Kind == "" {
		return 0, domain.NewValidationError("kind", "log kind is required")
	}

	code, err := r.keys.Allocate(ctx, r.site.EventLogKeyScope())
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event log code: %w", err)
	}

	if _, err := r.db.Exec(ctx, `
		INSERT INTO event_log (tenant, code, logged_at, kind, message, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.site.Tenant, code, entry.LoggedAt, string(entry.Kind), entry.Message, domain.SanitizeDetail(entry.Detail),
	); err != nil {
		return 0, fmt.Errorf("failed to append event log entry: %w", err)
	}

	return code, nil
}
