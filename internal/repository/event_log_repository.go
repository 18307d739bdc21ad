package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// EventLogRepository appends durable event log rows.
type EventLogRepository interface {
	// AppendLogEntry writes entry with a code minted from the event_log key
	// counter. It returns the allocated code.
	AppendLogEntry(ctx context.Context, entry domain.LogEntry) (int64, error)
}

// RecordEvent builds a sanitized entry stamped now and appends it.
func RecordEvent(ctx context.Context, log EventLogRepository, kind domain.LogKind, message, detail string) error {
	_, err := log.AppendLogEntry(ctx, domain.NewLogEntry(kind, message, detail))
	return err
}
