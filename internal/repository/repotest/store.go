// Package repotest provides an in-memory repository.Store for tests of the
// bridge workers.
package repotest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/repository"
)

// Operation names accepted by FailOn.
const (
	OpBegin                 = "Begin"
	OpCommit                = "Commit"
	OpAllocate              = "Allocate"
	OpResolveClient         = "ResolveClient"
	OpResolveService        = "ResolveService"
	OpResolveTechnique      = "ResolveTechnique"
	OpResolveDefaultAnalyst = "ResolveDefaultAnalyst"
	OpResolveDepartment     = "ResolveDepartment"
	OpFindSampleKey         = "FindSampleKey"
	OpInsertSampleTree      = "InsertSampleTree"
	OpDeleteSampleTree      = "DeleteSampleTree"
	OpMarkSent              = "MarkSent"
	OpMarkReported          = "MarkReported"
	OpFetchFinalizedReports = "FetchFinalizedReports"
	OpAppendLogEntry        = "AppendLogEntry"
	OpFetchBrokerSettings   = "FetchBrokerSettings"
	OpLoadSiteSettings      = "LoadSiteSettings"
)

type codeKey struct {
	client domain.PartyRef
	code   string
}

// Store is an in-memory repository.Store. WithinTx serializes transactions
// and restores a snapshot when the callback fails.
type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex

	clients     map[string]domain.PartyRef
	services    map[codeKey]domain.ServiceDefinition
	techniques  map[codeKey]domain.TechniqueDefinition
	analysts    map[domain.PartyRef]domain.PartyRef
	departments map[domain.PartyRef]domain.PartyRef

	state  snapshot
	broker domain.BrokerSettings
	site   domain.SiteSettings
	fails  map[string]error
	calls  map[string]int
}

type snapshot struct {
	samples  map[string]domain.SampleTree
	reports  []domain.ReportRecord
	log      []domain.LogEntry
	counters map[domain.KeyScope]int64
}

func (s snapshot) clone() snapshot {
	c := snapshot{
		samples:  make(map[string]domain.SampleTree, len(s.samples)),
		reports:  append([]domain.ReportRecord(nil), s.reports...),
		log:      append([]domain.LogEntry(nil), s.log...),
		counters: make(map[domain.KeyScope]int64, len(s.counters)),
	}
	for k, v := range s.samples {
		c.samples[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	return c
}

// Compile-time interface verification.
var (
	_ repository.Store              = (*Store)(nil)
	_ repository.KeyAllocator       = (*Store)(nil)
	_ repository.CatalogRepository  = (*Store)(nil)
	_ repository.SampleRepository   = (*Store)(nil)
	_ repository.ReportRepository   = (*Store)(nil)
	_ repository.EventLogRepository = (*Store)(nil)
	_ repository.SettingsRepository = (*Store)(nil)
)

// NewStore creates an empty store for site.
func NewStore(site domain.SiteSettings) *Store {
	return &Store{
		clients:     make(map[string]domain.PartyRef),
		services:    make(map[codeKey]domain.ServiceDefinition),
		techniques:  make(map[codeKey]domain.TechniqueDefinition),
		analysts:    make(map[domain.PartyRef]domain.PartyRef),
		departments: make(map[domain.PartyRef]domain.PartyRef),
		state: snapshot{
			samples:  make(map[string]domain.SampleTree),
			counters: make(map[domain.KeyScope]int64),
		},
		site:  site,
		fails: make(map[string]error),
		calls: make(map[string]int),
	}
}

// AddClient maps an external client code to ref.
func (s *Store) AddClient(externalCode string, ref domain.PartyRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[externalCode] = ref
}

// AddService maps a group code of client to svc.
func (s *Store) AddService(client domain.PartyRef, groupCode string, svc domain.ServiceDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[codeKey{client, groupCode}] = svc
}

// AddTechnique maps an analysis code of client to tec.
func (s *Store) AddTechnique(client domain.PartyRef, itemCode string, tec domain.TechniqueDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.techniques[codeKey{client, itemCode}] = tec
}

// AddAnalyst sets the default analyst of technique.
func (s *Store) AddAnalyst(technique, analyst domain.PartyRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysts[technique] = analyst
}

// AddDepartment sets the department of section.
func (s *Store) AddDepartment(section, department domain.PartyRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.departments[section] = department
}

// PutSample stores tree as is, keeping its state.
func (s *Store) PutSample(tree domain.SampleTree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.samples[tree.Sample.Reference] = tree
}

// AddReport stores a finalized report. FetchFinalizedReports returns it
// while its sample is stored and pending; a missing sample is added.
func (s *Store) AddReport(rec domain.ReportRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.samples[rec.Sample.Reference]; !ok {
		sample := rec.Sample
		sample.State = domain.SampleStatePending
		s.state.samples[sample.Reference] = domain.SampleTree{Sample: sample}
	}
	s.state.reports = append(s.state.reports, rec)
}

// SetBrokerSettings replaces the stored broker settings.
func (s *Store) SetBrokerSettings(b domain.BrokerSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broker = b
}

// FailOn makes op return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fails, op)
		return
	}
	s.fails[op] = err
}

// Calls returns how many times op ran.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Sample returns the stored tree for reference.
func (s *Store) Sample(reference string) (domain.SampleTree, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.state.samples[reference]
	return t, ok
}

// SampleCount returns the number of stored samples.
func (s *Store) SampleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.samples)
}

// LogEntries returns a copy of the event log.
func (s *Store) LogEntries() []domain.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.LogEntry(nil), s.state.log...)
}

// LogKinds returns the kinds of the event log in order.
func (s *Store) LogKinds() []domain.LogKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]domain.LogKind, len(s.state.log))
	for i, e := range s.state.log {
		kinds[i] = e.Kind
	}
	return kinds
}

// Counter returns the current value of a key counter.
func (s *Store) Counter(scope domain.KeyScope) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.counters[scope]
}

// enter records a call of op and returns its injected failure. Callers hold mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	return s.fails[op]
}

// Repositories returns the store itself behind every interface.
func (s *Store) Repositories() repository.Repositories {
	return repository.Repositories{
		Keys:     s,
		Catalog:  s,
		Samples:  s,
		Reports:  s,
		EventLog: s,
		Settings: s,
	}
}

// WithinTx runs fn and rolls the store back when fn or the commit fails.
func (s *Store) WithinTx(ctx context.Context, fn func(repository.Repositories) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	if err := s.enter(OpBegin); err != nil {
		s.mu.Unlock()
		return err
	}
	saved := s.state.clone()
	s.mu.Unlock()

	err := fn(s.Repositories())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = s.enter(OpCommit)
	}
	if err != nil {
		s.state = saved
		return err
	}
	return nil
}

// Allocate implements repository.KeyAllocator.
func (s *Store) Allocate(ctx context.Context, scope domain.KeyScope) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAllocate); err != nil {
		return 0, err
	}
	s.state.counters[scope]++
	return s.state.counters[scope], nil
}

// ResolveClient implements repository.CatalogRepository.
func (s *Store) ResolveClient(ctx context.Context, externalCode string) (domain.PartyRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveClient); err != nil {
		return domain.PartyRef{}, err
	}
	return s.clients[externalCode], nil
}

// ResolveService implements repository.CatalogRepository.
func (s *Store) ResolveService(ctx context.Context, client domain.PartyRef, groupCode string) (*domain.ServiceDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveService); err != nil {
		return nil, err
	}
	svc, ok := s.services[codeKey{client, groupCode}]
	if !ok {
		return nil, nil
	}
	return &svc, nil
}

// ResolveTechnique implements repository.CatalogRepository.
func (s *Store) ResolveTechnique(ctx context.Context, client domain.PartyRef, itemCode string) (*domain.TechniqueDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveTechnique); err != nil {
		return nil, err
	}
	tec, ok := s.techniques[codeKey{client, itemCode}]
	if !ok {
		return nil, nil
	}
	return &tec, nil
}

// ResolveDefaultAnalyst implements repository.CatalogRepository.
func (s *Store) ResolveDefaultAnalyst(ctx context.Context, technique domain.PartyRef) (*domain.PartyRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveDefaultAnalyst); err != nil {
		return nil, err
	}
	a, ok := s.analysts[technique]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

// ResolveDepartment implements repository.CatalogRepository.
func (s *Store) ResolveDepartment(ctx context.Context, section domain.PartyRef) (*domain.PartyRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpResolveDepartment); err != nil {
		return nil, err
	}
	d, ok := s.departments[section]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// FindSampleKey implements repository.SampleRepository.
func (s *Store) FindSampleKey(ctx context.Context, reference string) (domain.SampleKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFindSampleKey); err != nil {
		return domain.SampleKey{}, err
	}
	t, ok := s.state.samples[reference]
	if !ok {
		return domain.SampleKey{}, domain.NewNotFoundError("sample", reference)
	}
	return t.Sample.Key, nil
}

// InsertSampleTree implements repository.SampleRepository.
func (s *Store) InsertSampleTree(ctx context.Context, tree *domain.SampleTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpInsertSampleTree); err != nil {
		return err
	}
	if tree == nil {
		return domain.NewValidationError("tree", "sample tree cannot be nil")
	}
	if _, ok := s.state.samples[tree.Sample.Reference]; ok {
		return domain.ErrAlreadyExists
	}
	stored := *tree
	stored.Sample.State = domain.SampleStatePending
	s.state.samples[stored.Sample.Reference] = stored
	return nil
}

// DeleteSampleTree implements repository.SampleRepository.
func (s *Store) DeleteSampleTree(ctx context.Context, key domain.SampleKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpDeleteSampleTree); err != nil {
		return err
	}
	for ref, t := range s.state.samples {
		if t.Sample.Key == key {
			delete(s.state.samples, ref)
		}
	}
	return nil
}

// MarkSent implements repository.SampleRepository.
func (s *Store) MarkSent(ctx context.Context, reference string) (bool, error) {
	return s.transition(OpMarkSent, reference, domain.SampleStatePending, domain.SampleStateSent)
}

// MarkReported implements repository.SampleRepository.
func (s *Store) MarkReported(ctx context.Context, reference string) (bool, error) {
	return s.transition(OpMarkReported, reference, domain.SampleStateSent, domain.SampleStateReported)
}

func (s *Store) transition(op, reference string, from, to domain.SampleState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(op); err != nil {
		return false, err
	}
	t, ok := s.state.samples[reference]
	if !ok || t.Sample.State != from {
		return false, nil
	}
	t.Sample.State = to
	s.state.samples[reference] = t
	return true, nil
}

// FetchFinalizedReports implements repository.ReportRepository.
func (s *Store) FetchFinalizedReports(ctx context.Context) ([]domain.ReportRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFetchFinalizedReports); err != nil {
		return nil, err
	}
	var out []domain.ReportRecord
	for _, rec := range s.state.reports {
		t, ok := s.state.samples[rec.Sample.Reference]
		if !ok || t.Sample.State != domain.SampleStatePending {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Sample.Key.Number < out[j].Sample.Key.Number
	})
	return out, nil
}

// AppendLogEntry implements repository.EventLogRepository.
func (s *Store) AppendLogEntry(ctx context.Context, entry domain.LogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpAppendLogEntry); err != nil {
		return 0, err
	}
	if entry.Kind == "" {
		return 0, errors.New("log kind is required")
	}
	scope := s.site.EventLogKeyScope()
	s.state.counters[scope]++
	entry.Detail = domain.SanitizeDetail(entry.Detail)
	s.state.log = append(s.state.log, entry)
	return s.state.counters[scope], nil
}

// FetchBrokerSettings implements repository.SettingsRepository.
func (s *Store) FetchBrokerSettings(ctx context.Context) (domain.BrokerSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpFetchBrokerSettings); err != nil {
		return domain.BrokerSettings{}, err
	}
	return s.broker, nil
}

// LoadSiteSettings implements repository.SettingsRepository.
func (s *Store) LoadSiteSettings(ctx context.Context) (domain.SiteSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpLoadSiteSettings); err != nil {
		return domain.SiteSettings{}, err
	}
	return s.site, nil
}
