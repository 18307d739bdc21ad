package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ CatalogRepository = (*PgCatalogRepository)(nil)

// PgCatalogRepository is a PostgreSQL implementation of CatalogRepository.
type PgCatalogRepository struct {
	db DBTX
}

// NewPgCatalogRepository creates a new PostgreSQL catalog repository.
func NewPgCatalogRepository(db DBTX) *PgCatalogRepository {
	return &PgCatalogRepository{db: db}
}

// ResolveClient finds the lab client mapped to an external client code.
func (r *PgCatalogRepository) ResolveClient(ctx context.Context, externalCode string) (domain.PartyRef, error) {
	if externalCode == "" {
		return domain.PartyRef{}, nil
	}

	var ref domain.PartyRef
	err := r.db.QueryRow(ctx, `
		SELECT tenant, code FROM clients
		WHERE external_code = $1
		ORDER BY tenant, code
		LIMIT 1`, externalCode).Scan(&ref.Tenant, &ref.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PartyRef{}, nil
		}
		return domain.PartyRef{}, fmt.Errorf("failed to resolve client %q: %w", externalCode, err)
	}

	return ref, nil
}

// ResolveService finds the service mapped to an analysis group code for client.
func (r *PgCatalogRepository) ResolveService(ctx context.Context, client domain.PartyRef, groupCode string) (*domain.ServiceDefinition, error) {
	if client.IsZero() || groupCode == "" {
		return nil, nil
	}

	var svc domain.ServiceDefinition
	err := r.db.QueryRow(ctx, `
		SELECT s.tenant, s.code, s.name, s.price::float8, s.discount,
			s.sample_type_tenant, s.sample_type_code, s.matrix_tenant, s.matrix_code
		FROM client_services cs
		JOIN services s ON s.tenant = cs.service_tenant AND s.code = cs.service_code
		WHERE cs.client_tenant = $1 AND cs.client_code = $2 AND cs.external_code = $3`,
		client.Tenant, client.Code, groupCode).Scan(
		&svc.Ref.Tenant, &svc.Ref.Code, &svc.Name, &svc.Price, &svc.Discount,
		&svc.SampleType.Tenant, &svc.SampleType.Code, &svc.Matrix.Tenant, &svc.Matrix.Code,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve service %q: %w", groupCode, err)
	}

	return &svc, nil
}

// ResolveTechnique finds the technique mapped to an external analysis code for client.
func (r *PgCatalogRepository) ResolveTechnique(ctx context.Context, client domain.PartyRef, itemCode string) (*domain.TechniqueDefinition, error) {
	if client.IsZero() || itemCode == "" {
		return nil, nil
	}

	var tec domain.TechniqueDefinition
	err := r.db.QueryRow(ctx, `
		SELECT t.tenant, t.code, t.name, t.alt_name, t.method, t.detection_limit,
			t.minimum, t.unit, t.price::float8, t.discount, t.section_tenant, t.section_code
		FROM client_techniques ct
		JOIN techniques t ON t.tenant = ct.technique_tenant AND t.code = ct.technique_code
		WHERE ct.client_tenant = $1 AND ct.client_code = $2 AND ct.external_code = $3`,
		client.Tenant, client.Code, itemCode).Scan(
		&tec.Ref.Tenant, &tec.Ref.Code, &tec.Name, &tec.AltName, &tec.Method, &tec.DetectionLimit,
		&tec.Minimum, &tec.Unit, &tec.Price, &tec.Discount, &tec.Section.Tenant, &tec.Section.Code,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve technique %q: %w", itemCode, err)
	}

	return &tec, nil
}

// ResolveDefaultAnalyst returns the first analyst assigned to technique.
func (r *PgCatalogRepository) ResolveDefaultAnalyst(ctx context.Context, technique domain.PartyRef) (*domain.PartyRef, error) {
	var ref domain.PartyRef
	err := r.db.QueryRow(ctx, `
		SELECT analyst_tenant, analyst_code FROM technique_analysts
		WHERE technique_tenant = $1 AND technique_code = $2
		ORDER BY position, analyst_tenant, analyst_code
		LIMIT 1`, technique.Tenant, technique.Code).Scan(&ref.Tenant, &ref.Code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve analyst for technique %d: %w", technique.Code, err)
	}

	return &ref, nil
}

// ResolveDepartment returns the department that owns section.
func (r *PgCatalogRepository) ResolveDepartment(ctx context.Context, section domain.PartyRef) (*domain.PartyRef, error) {
	var tenant *string
	var code *int64
	err := r.db.QueryRow(ctx, `
		SELECT department_tenant, department_code FROM sections
		WHERE tenant = $1 AND code = $2`, section.Tenant, section.Code).Scan(&tenant, &code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve department for section %d: %w", section.Code, err)
	}
	if tenant == nil || code == nil {
		return nil, nil
	}

	return &domain.PartyRef{Tenant: *tenant, Code: *code}, nil
}
