package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// ReportRepository reads finalized reports written by the lab application.
type ReportRepository interface {
	// FetchFinalizedReports returns every pending sample linked to a report
	// with a delivery date, with its result items and document blocks.
	FetchFinalizedReports(ctx context.Context) ([]domain.ReportRecord, error)
}
