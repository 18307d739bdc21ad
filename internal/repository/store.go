package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Repositories groups the repositories bound to one DBTX.
type Repositories struct {
	Keys     KeyAllocator
	Catalog  CatalogRepository
	Samples  SampleRepository
	Reports  ReportRepository
	EventLog EventLogRepository
	Settings SettingsRepository
}

// NewPgRepositories binds every PostgreSQL repository to db.
func NewPgRepositories(db DBTX, site domain.SiteSettings) Repositories {
	keys := NewPgKeyAllocator(db)
	return Repositories{
		Keys:     keys,
		Catalog:  NewPgCatalogRepository(db),
		Samples:  NewPgSampleRepository(db),
		Reports:  NewPgReportRepository(db),
		EventLog: NewPgEventLogRepository(db, keys, site),
		Settings: NewPgSettingsRepository(db),
	}
}

// Store hands out repositories, either pool-bound or bound to a transaction.
type Store interface {
	// Repositories returns repositories that run each statement on its own.
	Repositories() Repositories

	// WithinTx runs fn inside one transaction. The transaction commits when
	// fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Repositories) error) error
}

// TxBeginner is a DBTX that can begin a transaction, such as *pgxpool.Pool.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Compile-time interface verification.
var _ Store = (*PgStore)(nil)

// PgStore is a PostgreSQL implementation of Store.
type PgStore struct {
	pool TxBeginner
	site domain.SiteSettings
}

// NewPgStore creates a store over pool, typically database.DB.Pool().
func NewPgStore(pool TxBeginner, site domain.SiteSettings) *PgStore {
	return &PgStore{pool: pool, site: site}
}

// Repositories returns pool-bound repositories.
func (s *PgStore) Repositories() Repositories {
	return NewPgRepositories(s.pool, s.site)
}

// WithinTx runs fn inside one transaction.
func (s *PgStore) WithinTx(ctx context.Context, fn func(Repositories) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(NewPgRepositories(tx, s.site)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
