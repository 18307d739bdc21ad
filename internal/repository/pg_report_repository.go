package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// Compile-time interface verification.
var _ ReportRepository = (*PgReportRepository)(nil)

// PgReportRepository is a PostgreSQL implementation of ReportRepository.
type PgReportRepository struct {
	db DBTX
}

// NewPgReportRepository creates a new PostgreSQL report repository.
func NewPgReportRepository(db DBTX) *PgReportRepository {
	return &PgReportRepository{db: db}
}

// reportKey identifies the lab report a sample was delivered in.
type reportKey struct {
	tenant string
	series string
	number int64
}

type finalizedRow struct {
	record domain.ReportRecord
	report reportKey
}

// When a sample appears in more than one delivered report, the most recent
// delivery wins.
const finalizedReportsQuery = `
	SELECT DISTINCT ON (o.tenant, o.series, o.number)
		o.tenant, o.series, o.number, o.reference, o.description, o.external_id, o.state,
		o.registered_on, o.received_at, o.collection_start, o.collection_end,
		o.observations, o.collection_site, o.container_type, o.temperature, o.volume, o.carrier,
		o.client_tenant, o.client_code,
		c.external_code, c.queue_name, s.name, cs.external_code,
		r.tenant, r.series, r.number
	FROM lab_operations o
	JOIN report_operations ro
		ON ro.op_tenant = o.tenant AND ro.op_series = o.series AND ro.op_number = o.number
	JOIN reports r
		ON r.tenant = ro.report_tenant AND r.series = ro.report_series AND r.number = ro.report_number
	LEFT JOIN clients c
		ON c.tenant = o.client_tenant AND c.code = o.client_code
	LEFT JOIN operation_services os
		ON os.op_tenant = o.tenant AND os.op_series = o.series AND os.op_number = o.number AND os.is_primary
	LEFT JOIN services s
		ON s.tenant = os.service_tenant AND s.code = os.service_code
	LEFT JOIN client_services cs
		ON cs.service_tenant = s.tenant AND cs.service_code = s.code
		AND cs.client_tenant = o.client_tenant AND cs.client_code = o.client_code
	WHERE o.state = 'pending' AND r.delivered_at IS NOT NULL
	ORDER BY o.tenant, o.series, o.number, r.delivered_at DESC`

// FetchFinalizedReports returns every pending sample linked to a delivered report.
func (r *PgReportRepository) FetchFinalizedReports(ctx context.Context) ([]domain.ReportRecord, error) {
	rows, err := r.db.Query(ctx, finalizedReportsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query finalized reports: %w", err)
	}

	found, err := pgx.CollectRows(rows, scanFinalizedRow)
	if err != nil {
		return nil, fmt.Errorf("failed to scan finalized reports: %w", err)
	}

	records := make([]domain.ReportRecord, 0, len(found))
	for _, f := range found {
		rec := f.record
		if rec.Items, err = r.fetchItems(ctx, rec.Sample); err != nil {
			return nil, err
		}
		if err := r.fetchDocument(ctx, f.report, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

func scanFinalizedRow(row pgx.CollectableRow) (finalizedRow, error) {
	var f finalizedRow
	var clientExternal, queue, svcName, svcCode *string
	s := &f.record.Sample
	err := row.Scan(
		&s.Key.Tenant, &s.Key.Series, &s.Key.Number, &s.Reference, &s.Description, &s.ExternalID, &s.State,
		&s.RegisteredOn, &s.ReceivedAt, &s.CollectionStart, &s.CollectionEnd,
		&s.Observations, &s.CollectionSite, &s.ContainerType, &s.Temperature, &s.Volume, &s.Carrier,
		&s.Client.Tenant, &s.Client.Code,
		&clientExternal, &queue, &svcName, &svcCode,
		&f.report.tenant, &f.report.series, &f.report.number,
	)
	if err != nil {
		return finalizedRow{}, err
	}
	f.record.ClientExternalID = derefString(clientExternal)
	f.record.RoutingKey = derefString(queue)
	f.record.ServiceName = derefString(svcName)
	f.record.ServiceCode = derefString(svcCode)
	return f, nil
}

// fetchItems lists the first result column of every analysis item whose
// technique the sample's client maps to an external code.
func (r *PgReportRepository) fetchItems(ctx context.Context, s domain.Sample) ([]domain.ReportItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT ai.name, ct.external_code, ai.method, ai.minimum, rc.value, ai.unit
		FROM analysis_items ai
		JOIN result_columns rc
			ON rc.op_tenant = ai.op_tenant AND rc.op_series = ai.op_series AND rc.op_number = ai.op_number
			AND rc.technique_tenant = ai.technique_tenant AND rc.technique_code = ai.technique_code
			AND rc.column_no = 1
		JOIN client_techniques ct
			ON ct.technique_tenant = ai.technique_tenant AND ct.technique_code = ai.technique_code
			AND ct.client_tenant = $4 AND ct.client_code = $5
		WHERE ai.op_tenant = $1 AND ai.op_series = $2 AND ai.op_number = $3
			AND ct.external_code <> ''
		ORDER BY ai.position`,
		s.Key.Tenant, s.Key.Series, s.Key.Number, s.Client.Tenant, s.Client.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to query report items of %s: %w", s.Reference, err)
	}

	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReportItem, error) {
		var item domain.ReportItem
		var value *string
		err := row.Scan(&item.Name, &item.Code, &item.Method, &item.Minimum, &value, &item.Unit)
		item.Result = derefString(value)
		return item, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan report items of %s: %w", s.Reference, err)
	}

	return items, nil
}

// fetchDocument loads the latest document version attached to the report
// and its ordered blocks. A report without a document leaves the record's
// name nil and its blocks empty.
func (r *PgReportRepository) fetchDocument(ctx context.Context, report reportKey, rec *domain.ReportRecord) error {
	var (
		tenant  string
		code    int64
		version int
		name    *string
	)
	err := r.db.QueryRow(ctx, `
		SELECT tenant, code, version, name FROM report_documents
		WHERE report_tenant = $1 AND report_series = $2 AND report_number = $3
		ORDER BY version DESC, code DESC
		LIMIT 1`,
		report.tenant, report.series, report.number).Scan(&tenant, &code, &version, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to query document of %s: %w", rec.Sample.Reference, err)
	}
	rec.DocumentName = name

	rows, err := r.db.Query(ctx, `
		SELECT content, size FROM document_blocks
		WHERE tenant = $1 AND document_code = $2 AND version = $3
		ORDER BY block_no`, tenant, code, version)
	if err != nil {
		return fmt.Errorf("failed to query document blocks of %s: %w", rec.Sample.Reference, err)
	}

	rec.Blocks, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DocumentBlock, error) {
		var b domain.DocumentBlock
		err := row.Scan(&b.Content, &b.Size)
		return b, err
	})
	if err != nil {
		return fmt.Errorf("failed to scan document blocks of %s: %w", rec.Sample.Reference, err)
	}

	return nil
}
