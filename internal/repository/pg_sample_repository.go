package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ SampleRepository = (*PgSampleRepository)(nil)

// PgSampleRepository is a PostgreSQL implementation of SampleRepository.
type PgSampleRepository struct {
	db DBTX
}

// NewPgSampleRepository creates a new PostgreSQL sample repository.
func NewPgSampleRepository(db DBTX) *PgSampleRepository {
	return &PgSampleRepository{db: db}
}

// FindSampleKey returns the key of the sample with reference.
func (r *PgSampleRepository) FindSampleKey(ctx context.Context, reference string) (domain.SampleKey, error) {
	if reference == "" {
		return domain.SampleKey{}, domain.NewValidationError("reference", "reference is required")
	}

	var key domain.SampleKey
	err := r.db.QueryRow(ctx, `
		SELECT tenant, series, number FROM lab_operations
		WHERE reference = $1`, reference).Scan(&key.Tenant, &key.Series, &key.Number)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SampleKey{}, domain.NewNotFoundError("sample", reference)
		}
		return domain.SampleKey{}, fmt.Errorf("failed to find sample %s: %w", reference, err)
	}

	return key, nil
}

// InsertSampleTree writes, in order: analysis items, result column templates,
// the sample row, the service assignment, analysts and departments.
func (r *PgSampleRepository) InsertSampleTree(ctx context.Context, tree *domain.SampleTree) error {
	if tree == nil {
		return domain.NewValidationError("tree", "sample tree cannot be nil")
	}
	s := tree.Sample
	if s.Reference == "" {
		return domain.NewValidationError("reference", "reference is required")
	}
	if s.Key.Number <= 0 {
		return domain.NewValidationError("number", "sample key number is required")
	}
	k := s.Key

	for _, item := range tree.Items {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO analysis_items (
				op_tenant, op_series, op_number, position,
				technique_tenant, technique_code, name, alt_name, method,
				detection_limit, minimum, unit, price, discount,
				section_tenant, section_code, analyst_tenant, analyst_code,
				service_tenant, service_code
			) VALUES (
				$1, $2, $3, $4,
				$5, $6, $7, $8, $9,
				$10, $11, $12, $13, $14,
				$15, $16, $17, $18,
				$19, $20
			)`,
			k.Tenant, k.Series, k.Number, item.Position,
			item.Technique.Tenant, item.Technique.Code, item.Name, item.AltName, item.Method,
			item.DetectionLimit, item.Minimum, item.Unit, item.Price, item.Discount,
			item.Section.Tenant, item.Section.Code, item.Analyst.Tenant, item.Analyst.Code,
			item.Service.Tenant, item.Service.Code,
		); err != nil {
			return fmt.Errorf("failed to insert analysis item %d: %w", item.Position, err)
		}
	}

	seen := make(map[domain.PartyRef]bool, len(tree.Items))
	for _, item := range tree.Items {
		if seen[item.Technique] {
			continue
		}
		seen[item.Technique] = true
		if _, err := r.db.Exec(ctx, `
			INSERT INTO result_columns (
				op_tenant, op_series, op_number, technique_tenant, technique_code, column_no,
				title, subtitle, extra_title, show_in_report, is_result, editable, active
			)
			SELECT $1, $2, $3, technique_tenant, technique_code, column_no,
				title, subtitle, extra_title, show_in_report, is_result, editable, active
			FROM technique_columns
			WHERE technique_tenant = $4 AND technique_code = $5
			ON CONFLICT DO NOTHING`,
			k.Tenant, k.Series, k.Number, item.Technique.Tenant, item.Technique.Code,
		); err != nil {
			return fmt.Errorf("failed to copy result columns for technique %d: %w", item.Technique.Code, err)
		}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO lab_operations (
			tenant, series, number, reference, description, external_id, state,
			registered_on, received_at, collection_start, collection_end,
			observations, collection_site, container_type, temperature, volume, carrier,
			client_tenant, client_code, price, discount, technique_list, breakdown_type,
			sample_type_tenant, sample_type_code, matrix_tenant, matrix_code
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22, $23,
			$24, $25, $26, $27
		)`,
		k.Tenant, k.Series, k.Number, s.Reference, s.Description, s.ExternalID, domain.SampleStatePending,
		s.RegisteredOn, s.ReceivedAt, s.CollectionStart, s.CollectionEnd,
		s.Observations, s.CollectionSite, s.ContainerType, s.Temperature, s.Volume, s.Carrier,
		s.Client.Tenant, s.Client.Code, s.Price, s.Discount, s.TechniqueList, s.BreakdownType,
		s.SampleType.Tenant, s.SampleType.Code, s.Matrix.Tenant, s.Matrix.Code,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("sample %s: %w", s.Reference, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert sample %s: %w", s.Reference, err)
	}

	if tree.Service != nil && !tree.Service.IsZero() {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO operation_services (op_tenant, op_series, op_number, service_tenant, service_code, position, is_primary)
			VALUES ($1, $2, $3, $4, $5, 1, TRUE)`,
			k.Tenant, k.Series, k.Number, tree.Service.Tenant, tree.Service.Code,
		); err != nil {
			return fmt.Errorf("failed to assign service: %w", err)
		}
	}

	for _, a := range tree.Analysts {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO operation_analysts (op_tenant, op_series, op_number, analyst_tenant, analyst_code)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			k.Tenant, k.Series, k.Number, a.Tenant, a.Code,
		); err != nil {
			return fmt.Errorf("failed to assign analyst %d: %w", a.Code, err)
		}
	}

	for _, d := range tree.Departments {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO operation_departments (op_tenant, op_series, op_number, department_tenant, department_code)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING`,
			k.Tenant, k.Series, k.Number, d.Tenant, d.Code,
		); err != nil {
			return fmt.Errorf("failed to assign department %d: %w", d.Code, err)
		}
	}

	return nil
}

// sampleDependents lists the delete order: the reverse of InsertSampleTree,
// with attachments added by lab staff removed before the sample row.
var sampleDependents = []string{
	"operation_departments",
	"operation_analysts",
	"operation_attachments",
	"operation_services",
}

// DeleteSampleTree removes the sample and every dependent row.
func (r *PgSampleRepository) DeleteSampleTree(ctx context.Context, key domain.SampleKey) error {
	for _, table := range sampleDependents {
		if err := r.deleteChildren(ctx, table, key); err != nil {
			return err
		}
	}

	if _, err := r.db.Exec(ctx, `
		DELETE FROM lab_operations
		WHERE tenant = $1 AND series = $2 AND number = $3`,
		key.Tenant, key.Series, key.Number); err != nil {
		return fmt.Errorf("failed to delete sample %s: %w", key, err)
	}

	for _, table := range []string{"result_columns", "analysis_items"} {
		if err := r.deleteChildren(ctx, table, key); err != nil {
			return err
		}
	}

	return nil
}

func (r *PgSampleRepository) deleteChildren(ctx context.Context, table string, key domain.SampleKey) error {
	query := "DELETE FROM " + table + " WHERE op_tenant = $1 AND op_series = $2 AND op_number = $3"
	if _, err := r.db.Exec(ctx, query, key.Tenant, key.Series, key.Number); err != nil {
		return fmt.Errorf("failed to delete %s of sample %s: %w", table, key, err)
	}
	return nil
}

// MarkSent moves a pending sample to sent.
func (r *PgSampleRepository) MarkSent(ctx context.Context, reference string) (bool, error) {
	return r.transition(ctx, reference, domain.SampleStatePending, domain.SampleStateSent)
}

// MarkReported moves a sent sample to reported.
func (r *PgSampleRepository) MarkReported(ctx context.Context, reference string) (bool, error) {
	return r.transition(ctx, reference, domain.SampleStateSent, domain.SampleStateReported)
}

func (r *PgSampleRepository) transition(ctx context.Context, reference string, from, to domain.SampleState) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, domain.NewTransitionError(reference, from, to)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE lab_operations SET state = $2, updated_at = now()
		WHERE reference = $1 AND state = $3`,
		reference, to, from)
	if err != nil {
		return false, fmt.Errorf("failed to mark sample %s %s: %w", reference, to, err)
	}

	return tag.RowsAffected() == 1, nil
}
