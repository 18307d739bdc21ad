// Package lifecycle applies inbound sample commands to the lab database.
// Create, update and delete each run in one transaction together with their
// event log entry.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository"
)

// Service runs the sample create, update and delete scripts.
type Service struct {
	store   repository.Store
	site    domain.SiteSettings
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a lifecycle service for site.
func NewService(store repository.Store, site domain.SiteSettings, logger zerolog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		site:    site,
		logger:  observability.WithComponent(logger, "lifecycle"),
		metrics: metrics,
		now:     time.Now,
	}
}

// CreateSample stores a new sample tree in the pending state and returns its key.
func (s *Service) CreateSample(ctx context.Context, payload *domain.SamplePayload, clientExternalID, externalID string) (domain.SampleKey, error) {
	if err := validatePayload(payload); err != nil {
		return domain.SampleKey{}, err
	}

	var key domain.SampleKey
	err := s.store.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		if key, err = s.create(ctx, repos, payload, clientExternalID, externalID); err != nil {
			return err
		}
		return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindCreate,
			"Sample created: "+payload.Reference.String(), "")
	})
	if err != nil {
		return domain.SampleKey{}, fmt.Errorf("create sample %s: %w", payload.Reference, err)
	}
	s.metrics.RecordEventLogWrite(string(domain.LogKindCreate))

	s.logger.Info().
		Str("sample_reference", payload.Reference.String()).
		Str("sample_key", key.String()).
		Msg("sample created")
	return key, nil
}

// UpdateSample replaces the sample with the payload's reference. Delete and
// recreate share one transaction, so a failed create keeps the prior version.
// A sample that does not exist yet is created.
func (s *Service) UpdateSample(ctx context.Context, payload *domain.SamplePayload, clientExternalID, externalID string) (domain.SampleKey, error) {
	if err := validatePayload(payload); err != nil {
		return domain.SampleKey{}, err
	}
	ref := payload.Reference.String()

	var key domain.SampleKey
	err := s.store.WithinTx(ctx, func(repos repository.Repositories) error {
		if _, err := s.delete(ctx, repos, ref); err != nil {
			return err
		}
		var err error
		if key, err = s.create(ctx, repos, payload, clientExternalID, externalID); err != nil {
			return err
		}
		return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindUpdate, "Sample updated: "+ref, "")
	})
	if err != nil {
		return domain.SampleKey{}, fmt.Errorf("update sample %s: %w", ref, err)
	}
	s.metrics.RecordEventLogWrite(string(domain.LogKindUpdate))

	s.logger.Info().
		Str("sample_reference", ref).
		Str("sample_key", key.String()).
		Msg("sample updated")
	return key, nil
}

// DeleteSample removes the sample with reference in any state. It reports
// false, and writes nothing, when no such sample exists.
func (s *Service) DeleteSample(ctx context.Context, reference string) (bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return false, domain.NewValidationError("codigoMuestra", "sample reference is required")
	}

	var deleted bool
	err := s.store.WithinTx(ctx, func(repos repository.Repositories) error {
		var err error
		if deleted, err = s.delete(ctx, repos, reference); err != nil || !deleted {
			return err
		}
		return repository.RecordEvent(ctx, repos.EventLog, domain.LogKindDelete, "Sample deleted: "+reference, "")
	})
	if err != nil {
		return false, fmt.Errorf("delete sample %s: %w", reference, err)
	}

	if deleted {
		s.metrics.RecordEventLogWrite(string(domain.LogKindDelete))
		s.logger.Info().Str("sample_reference", reference).Msg("sample deleted")
	} else {
		s.logger.Debug().Str("sample_reference", reference).Msg("delete ignored, sample not found")
	}
	return deleted, nil
}

func (s *Service) delete(ctx context.Context, repos repository.Repositories, reference string) (bool, error) {
	key, err := repos.Samples.FindSampleKey(ctx, reference)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := repos.Samples.DeleteSampleTree(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) create(ctx context.Context, repos repository.Repositories, payload *domain.SamplePayload, clientExternalID, externalID string) (domain.SampleKey, error) {
	tree, err := s.buildTree(ctx, repos, payload, clientExternalID, externalID)
	if err != nil {
		return domain.SampleKey{}, err
	}
	if err := repos.Samples.InsertSampleTree(ctx, tree); err != nil {
		return domain.SampleKey{}, err
	}
	return tree.Sample.Key, nil
}

// buildTree resolves the payload against the catalog and allocates the
// sample key. Unknown analysis codes are skipped.
func (s *Service) buildTree(ctx context.Context, repos repository.Repositories, payload *domain.SamplePayload, clientExternalID, externalID string) (*domain.SampleTree, error) {
	client, err := repos.Catalog.ResolveClient(ctx, strings.TrimSpace(clientExternalID))
	if err != nil {
		return nil, err
	}

	svc, err := repos.Catalog.ResolveService(ctx, client, payload.AnalysisGroupCode.String())
	if err != nil {
		return nil, err
	}

	number, err := repos.Keys.Allocate(ctx, s.site.SampleKeyScope())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordKeyAllocated(domain.KeyTableSamples)

	now := s.now()
	tree := &domain.SampleTree{
		Sample: domain.Sample{
			Key:             domain.SampleKey{Tenant: s.site.Tenant, Series: s.site.Series, Number: number},
			Reference:       payload.Reference.String(),
			Description:     payload.Description.String(),
			ExternalID:      strings.TrimSpace(externalID),
			State:           domain.SampleStatePending,
			RegisteredOn:    time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()),
			ReceivedAt:      payload.CreatedAt.Ptr(),
			CollectionStart: payload.CollectionStart.Ptr(),
			CollectionEnd:   payload.CollectionEnd.Ptr(),
			Observations:    payload.Observations.String(),
			CollectionSite:  payload.CollectionSite.String(),
			ContainerType:   payload.ContainerType.String(),
			Temperature:     payload.Temperature.String(),
			Volume:          payload.Volume.String(),
			Carrier:         payload.Carrier.String(),
			Client:          client,
			BreakdownType:   s.site.BreakdownType,
		},
	}

	var serviceRef domain.PartyRef
	if svc != nil {
		serviceRef = svc.Ref
		tree.Service = &serviceRef
		tree.Sample.Price = svc.Price
		tree.Sample.Discount = svc.Discount
		tree.Sample.SampleType = svc.SampleType
		tree.Sample.Matrix = svc.Matrix
	}

	var names []string
	var sections []domain.PartyRef
	seenSection := make(map[domain.PartyRef]bool)
	seenAnalyst := make(map[domain.PartyRef]bool)

	for i, requested := range payload.Items {
		code := requested.Code.String()
		tec, err := repos.Catalog.ResolveTechnique(ctx, client, code)
		if err != nil {
			return nil, err
		}
		if tec == nil {
			s.logger.Debug().
				Str("sample_reference", tree.Sample.Reference).
				Str("analysis_code", code).
				Msg("unknown analysis code skipped")
			continue
		}

		var analyst domain.PartyRef
		a, err := repos.Catalog.ResolveDefaultAnalyst(ctx, tec.Ref)
		if err != nil {
			return nil, err
		}
		if a != nil {
			analyst = *a
		}

		tree.Items = append(tree.Items, domain.AnalysisItem{
			Technique:      tec.Ref,
			Name:           tec.Name,
			AltName:        tec.AltName,
			Method:         tec.Method,
			DetectionLimit: tec.DetectionLimit,
			Minimum:        tec.Minimum,
			Unit:           tec.Unit,
			Price:          tec.Price,
			Discount:       tec.Discount,
			Section:        tec.Section,
			Position:       i,
			Analyst:        analyst,
			Service:        serviceRef,
		})
		names = append(names, tec.Name)

		if !seenSection[tec.Section] {
			seenSection[tec.Section] = true
			sections = append(sections, tec.Section)
		}
		if !analyst.IsZero() && !seenAnalyst[analyst] {
			seenAnalyst[analyst] = true
			tree.Analysts = append(tree.Analysts, analyst)
		}
	}
	tree.Sample.TechniqueList = strings.Join(names, ", ")

	seenDepartment := make(map[domain.PartyRef]bool)
	for _, section := range sections {
		dep, err := repos.Catalog.ResolveDepartment(ctx, section)
		if err != nil {
			return nil, err
		}
		if dep == nil || seenDepartment[*dep] {
			continue
		}
		seenDepartment[*dep] = true
		tree.Departments = append(tree.Departments, *dep)
	}

	return tree, nil
}

func validatePayload(payload *domain.SamplePayload) error {
	if payload == nil {
		return domain.NewValidationError("datos", "sample payload is required")
	}
	if payload.Reference.String() == "" {
		return domain.NewValidationError("codigoMuestra", "sample reference is required")
	}
	return nil
}
