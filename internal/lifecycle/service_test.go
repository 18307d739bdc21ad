package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository/repotest"
)

var (
	testSite    = domain.SiteSettings{Tenant: "01", Series: "A", BreakdownType: "T"}
	testClient  = domain.PartyRef{Tenant: "01", Code: 300}
	testService = domain.ServiceDefinition{
		Ref:        domain.PartyRef{Tenant: "01", Code: 40},
		Name:       "Aguas de consumo",
		Price:      120.5,
		Discount:   "10",
		SampleType: domain.PartyRef{Tenant: "01", Code: 2},
		Matrix:     domain.PartyRef{Tenant: "01", Code: 3},
	}
	sectionChem  = domain.PartyRef{Tenant: "01", Code: 7}
	sectionMicro = domain.PartyRef{Tenant: "01", Code: 8}
	techPH       = domain.TechniqueDefinition{Ref: domain.PartyRef{Tenant: "01", Code: 11}, Name: "pH", Unit: "ud pH", Section: sectionChem}
	techNitrate  = domain.TechniqueDefinition{Ref: domain.PartyRef{Tenant: "01", Code: 12}, Name: "Nitratos", Unit: "mg/L", Section: sectionChem}
	techColi     = domain.TechniqueDefinition{Ref: domain.PartyRef{Tenant: "01", Code: 13}, Name: "E. coli", Section: sectionMicro}
	analystAna   = domain.PartyRef{Tenant: "01", Code: 501}
	deptLab      = domain.PartyRef{Tenant: "01", Code: 90}
)

type fixture struct {
	store   *repotest.Store
	svc     *Service
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := repotest.NewStore(testSite)
	store.AddClient("C-300", testClient)
	store.AddService(testClient, "AGUA", testService)
	store.AddTechnique(testClient, "PH", techPH)
	store.AddTechnique(testClient, "NO3", techNitrate)
	store.AddTechnique(testClient, "ECOLI", techColi)
	store.AddAnalyst(techPH.Ref, analystAna)
	store.AddAnalyst(techNitrate.Ref, analystAna)
	store.AddDepartment(sectionChem, deptLab)
	store.AddDepartment(sectionMicro, deptLab)

	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	svc := NewService(store, testSite, zerolog.Nop(), metrics)
	svc.now = func() time.Time { return time.Date(2024, 3, 6, 15, 30, 0, 0, time.Local) }

	return &fixture{store: store, svc: svc, metrics: metrics}
}

func decodePayload(t *testing.T, raw string) *domain.SamplePayload {
	t.Helper()
	var p domain.SamplePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return &p
}

const samplePayload = `{
	"codigoMuestra": "M-2024-001",
	"muestra": "Grifo cocina",
	"fechaCreacion": "05/03/2024 09:15:00",
	"observaciones": "sin cloro",
	"fechaInicioMuestra": "05/03/2024 08:00:00",
	"fechaFinMuestra": "",
	"lugarRecogidaMuestra": "Calle Mayor 1",
	"temperatura": 4,
	"tipoEnvase": "PET",
	"codigoGrupoObjetoAnalisis": "AGUA",
	"volumenMuestra": "1L",
	"transportista": "SEUR",
	"objetosAnalisis": [
		{"codigoObjetoAnalisis": "PH"},
		{"codigoObjetoAnalisis": "UNKNOWN"},
		{"codigoObjetoAnalisis": "NO3"},
		{"codigoObjetoAnalisis": "ECOLI"}
	]
}`

func TestCreateSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-77")
	require.NoError(t, err)
	assert.Equal(t, domain.SampleKey{Tenant: "01", Series: "A", Number: 1}, key)

	tree, ok := f.store.Sample("M-2024-001")
	require.True(t, ok)

	s := tree.Sample
	assert.Equal(t, key, s.Key)
	assert.Equal(t, domain.SampleStatePending, s.State)
	assert.Equal(t, "ext-77", s.ExternalID)
	assert.Equal(t, "Grifo cocina", s.Description)
	assert.Equal(t, testClient, s.Client)
	assert.Equal(t, "4", s.Temperature)
	assert.Equal(t, time.Date(2024, 3, 6, 0, 0, 0, 0, time.Local), s.RegisteredOn)
	require.NotNil(t, s.ReceivedAt)
	assert.Equal(t, "05/03/2024 09:15:00", domain.FormatDate(s.ReceivedAt))
	assert.Nil(t, s.CollectionEnd)
	assert.Equal(t, 120.5, s.Price)
	assert.Equal(t, "10", s.Discount)
	assert.Equal(t, testService.SampleType, s.SampleType)
	assert.Equal(t, testService.Matrix, s.Matrix)
	assert.Equal(t, "T", s.BreakdownType)
	assert.Equal(t, "pH, Nitratos, E. coli", s.TechniqueList)

	require.Len(t, tree.Items, 3)
	assert.Equal(t, techPH.Ref, tree.Items[0].Technique)
	assert.Equal(t, 0, tree.Items[0].Position)
	assert.Equal(t, analystAna, tree.Items[0].Analyst)
	assert.Equal(t, testService.Ref, tree.Items[0].Service)
	assert.Equal(t, 2, tree.Items[1].Position, "position follows the payload index")
	assert.True(t, tree.Items[2].Analyst.IsZero(), "technique without analyst")

	require.NotNil(t, tree.Service)
	assert.Equal(t, testService.Ref, *tree.Service)
	assert.Equal(t, []domain.PartyRef{analystAna}, tree.Analysts)
	assert.Equal(t, []domain.PartyRef{deptLab}, tree.Departments)

	entries := f.store.LogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogKindCreate, entries[0].Kind)
	assert.Equal(t, "Sample created: M-2024-001", entries[0].Message)

	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.KeysAllocated.WithLabelValues(domain.KeyTableSamples)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.EventLogWrites.WithLabelValues("CREATE")))
}

func TestCreateSample_UnknownClient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateSample(context.Background(), decodePayload(t, samplePayload), "nobody", "ext-1")
	require.NoError(t, err)

	tree, ok := f.store.Sample("M-2024-001")
	require.True(t, ok)
	assert.True(t, tree.Sample.Client.IsZero())
	assert.Nil(t, tree.Service)
	assert.Empty(t, tree.Items)
	assert.Empty(t, tree.Sample.TechniqueList)
	assert.Zero(t, tree.Sample.Price)
}

func TestCreateSample_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		payload *domain.SamplePayload
	}{
		{name: "nil payload", payload: nil},
		{name: "blank reference", payload: &domain.SamplePayload{Reference: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateSample(context.Background(), tt.payload, "C-300", "")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
	assert.Zero(t, f.store.Calls(repotest.OpBegin))
}

func TestCreateSample_Duplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)

	_, err = f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	assert.Equal(t, 1, f.store.SampleCount())
	assert.Equal(t, []domain.LogKind{domain.LogKindCreate}, f.store.LogKinds())
	assert.Equal(t, int64(1), f.store.Counter(testSite.SampleKeyScope()), "rolled back allocation")
}

func TestCreateSample_LogFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn(repotest.OpAppendLogEntry, errors.New("disk full"))

	_, err := f.svc.CreateSample(context.Background(), decodePayload(t, samplePayload), "C-300", "ext-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, f.store.SampleCount())
	assert.Zero(t, f.store.Counter(testSite.SampleKeyScope()))
}

func TestUpdateSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)

	payload := decodePayload(t, samplePayload)
	payload.Description = "Grifo baño"
	payload.Items = payload.Items[:1]

	second, err := f.svc.UpdateSample(ctx, payload, "C-300", "ext-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "recreated sample gets a new key")

	tree, ok := f.store.Sample("M-2024-001")
	require.True(t, ok)
	assert.Equal(t, second, tree.Sample.Key)
	assert.Equal(t, "Grifo baño", tree.Sample.Description)
	assert.Equal(t, "pH", tree.Sample.TechniqueList)
	assert.Equal(t, 1, f.store.SampleCount())

	assert.Equal(t, []domain.LogKind{domain.LogKindCreate, domain.LogKindUpdate}, f.store.LogKinds())
	assert.Equal(t, "Sample updated: M-2024-001", f.store.LogEntries()[1].Message)
}

func TestUpdateSample_ReplacesReportedSample(t *testing.T) {
	f := newFixture(t)
	f.store.PutSample(domain.SampleTree{Sample: domain.Sample{
		Key:       domain.SampleKey{Tenant: "01", Series: "A", Number: 99},
		Reference: "M-2024-001",
		State:     domain.SampleStateReported,
	}})

	_, err := f.svc.UpdateSample(context.Background(), decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)

	tree, _ := f.store.Sample("M-2024-001")
	assert.Equal(t, domain.SampleStatePending, tree.Sample.State)
	assert.Equal(t, int64(1), tree.Sample.Key.Number)
}

func TestUpdateSample_MissingSampleIsCreated(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateSample(context.Background(), decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.SampleCount())
	assert.Equal(t, []domain.LogKind{domain.LogKindUpdate}, f.store.LogKinds())
}

func TestUpdateSample_FailedCreateKeepsPriorVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)

	f.store.FailOn(repotest.OpInsertSampleTree, errors.New("constraint violated"))
	_, err = f.svc.UpdateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.Error(t, err)

	tree, ok := f.store.Sample("M-2024-001")
	require.True(t, ok, "delete rolled back with the failed create")
	assert.Equal(t, first, tree.Sample.Key)
	assert.Equal(t, []domain.LogKind{domain.LogKindCreate}, f.store.LogKinds())
}

func TestDeleteSample(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSample(ctx, decodePayload(t, samplePayload), "C-300", "ext-1")
	require.NoError(t, err)

	deleted, err := f.svc.DeleteSample(ctx, "M-2024-001")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Zero(t, f.store.SampleCount())
	assert.Equal(t, []domain.LogKind{domain.LogKindCreate, domain.LogKindDelete}, f.store.LogKinds())
	assert.Equal(t, "Sample deleted: M-2024-001", f.store.LogEntries()[1].Message)
}

func TestDeleteSample_Absent(t *testing.T) {
	f := newFixture(t)

	deleted, err := f.svc.DeleteSample(context.Background(), "M-404")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Empty(t, f.store.LogEntries())
	assert.Zero(t, f.store.Calls(repotest.OpDeleteSampleTree))
}

func TestDeleteSample_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteSample(context.Background(), " ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	f.store.FailOn(repotest.OpFindSampleKey, errors.New("connection reset"))
	_, err = f.svc.DeleteSample(context.Background(), "M-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}
