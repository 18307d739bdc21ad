package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// SampleRepository persists sample trees and their synchronization state.
type SampleRepository interface {
	// FindSampleKey returns the key of the sample with reference, whatever
	// its state. Returns domain.ErrNotFound when no sample matches.
	FindSampleKey(ctx context.Context, reference string) (domain.SampleKey, error)

	// InsertSampleTree writes the sample and its dependents. The sample row
	// is always written in the pending state.
	InsertSampleTree(ctx context.Context, tree *domain.SampleTree) error

	// DeleteSampleTree removes the sample and every dependent row.
	DeleteSampleTree(ctx context.Context, key domain.SampleKey) error

	// MarkSent moves a pending sample to sent. It reports false when no
	// pending sample has reference.
	MarkSent(ctx context.Context, reference string) (bool, error)

	// MarkReported moves a sent sample to reported. It reports false when no
	// sent sample has reference.
	MarkReported(ctx context.Context, reference string) (bool, error)
}
