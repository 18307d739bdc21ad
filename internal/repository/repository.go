// Package repository provides data access interfaces and PostgreSQL
// implementations for the IGEO bridge.
//
// # Repository Interfaces
//
//   - KeyAllocator: technical key counters shared with the lab application
//   - CatalogRepository: client, service, technique, analyst and department lookups
//   - SampleRepository: sample trees and their sync state
//   - ReportRepository: finalized reports waiting to be published
//   - EventLogRepository: durable event log rows
//   - SettingsRepository: broker and site settings
//
// # Transactions
//
// Every Pg* constructor accepts a DBTX, so the same type runs against the
// pool or inside a transaction. Store.WithinTx hands a transaction-bound
// Repositories set to a callback and commits when it returns nil:
//
//	err := store.WithinTx(ctx, func(repos repository.Repositories) error {
//	    ok, err := repos.Samples.MarkSent(ctx, ref)
//	    if err != nil {
//	        return err
//	    }
//	    return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindOK, "sent", ref)
//	})
//
// # Error Handling
//
// Lookups that may legitimately miss return a nil or zero value with a nil
// error. FindSampleKey returns domain.ErrNotFound. Database errors are
// wrapped with fmt.Errorf and %w.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/veolab/igeo-bridge/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
// This allows repositories to work with both direct pool connections and transactions.
type DBTX = database.DBTX

// PostgreSQL error codes used for constraint violation detection.
const (
	pgUniqueViolation = "23505" // unique_violation
)

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
