package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ KeyAllocator = (*PgKeyAllocator)(nil)

// PgKeyAllocator is a PostgreSQL implementation of KeyAllocator.
type PgKeyAllocator struct {
	db DBTX
}

// NewPgKeyAllocator creates a key allocator bound to db. Pass a pgx.Tx.
func NewPgKeyAllocator(db DBTX) *PgKeyAllocator {
	return &PgKeyAllocator{db: db}
}

// Allocate locks the counter row for scope and advances it by one. A missing
// row is created with value 1. When a concurrent writer wins the insert race,
// the row is re-read under the lock and advanced normally.
func (a *PgKeyAllocator) Allocate(ctx context.Context, scope domain.KeyScope) (int64, error) {
	if scope.Table == "" {
		return 0, domain.NewValidationError("table", "table name is required")
	}

	current, err := a.lockCounter(ctx, scope)
	if errors.Is(err, pgx.ErrNoRows) {
		tag, err := a.db.Exec(ctx, `
			INSERT INTO technical_keys (tenant, table_name, series, value)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT DO NOTHING`,
			scope.Tenant, scope.Table, scope.Series)
		if err != nil {
			return 0, fmt.Errorf("failed to create key counter %s/%s/%s: %w", scope.Tenant, scope.Table, scope.Series, err)
		}
		if tag.RowsAffected() == 1 {
			return 1, nil
		}
		current, err = a.lockCounter(ctx, scope)
		if err != nil {
			return 0, fmt.Errorf("failed to lock key counter after insert race: %w", err)
		}
	} else if err != nil {
		return 0, fmt.Errorf("failed to lock key counter: %w", err)
	}

	next := current + 1
	if _, err := a.db.Exec(ctx, `
		UPDATE technical_keys SET value = $4
		WHERE tenant = $1 AND table_name = $2 AND series = $3`,
		scope.Tenant, scope.Table, scope.Series, next); err != nil {
		return 0, fmt.Errorf("failed to advance key counter: %w", err)
	}

	return next, nil
}

func (a *PgKeyAllocator) lockCounter(ctx context.Context, scope domain.KeyScope) (int64, error) {
	var value int64
	err := a.db.QueryRow(ctx, `
		SELECT value FROM technical_keys
		WHERE tenant = $1 AND table_name = $2 AND series = $3
		FOR UPDATE`,
		scope.Tenant, scope.Table, scope.Series).Scan(&value)
	return value, err
}
