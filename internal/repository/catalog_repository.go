package repository

import (
	"context"

	"github.com/veolab/igeo-bridge/internal/domain"
)

// CatalogRepository resolves external codes to lab catalog rows. Every lookup
// treats a miss as a normal outcome: a zero PartyRef or a nil pointer with a
// nil error.
type CatalogRepository interface {
	// ResolveClient finds the lab client mapped to an external client code.
	ResolveClient(ctx context.Context, externalCode string) (domain.PartyRef, error)

	// ResolveService finds the service mapped to an analysis group code for client.
	ResolveService(ctx context.Context, client domain.PartyRef, groupCode string) (*domain.ServiceDefinition, error)

	// ResolveTechnique finds the technique mapped to an external analysis code for client.
	ResolveTechnique(ctx context.Context, client domain.PartyRef, itemCode string) (*domain.TechniqueDefinition, error)

	// ResolveDefaultAnalyst returns the first analyst assigned to technique.
	ResolveDefaultAnalyst(ctx context.Context, technique domain.PartyRef) (*domain.PartyRef, error)

	// ResolveDepartment returns the department that owns section.
	ResolveDepartment(ctx context.Context, section domain.PartyRef) (*domain.PartyRef, error)
}
