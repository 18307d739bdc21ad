package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/observability"
	"github.com/veolab/igeo-bridge/internal/repository/repotest"
)

var testSite = domain.SiteSettings{Tenant: "01", Series: "A"}

func newTestProcessor(t *testing.T) (*Processor, *repotest.Store, *observability.Metrics) {
	t.Helper()
	store := repotest.NewStore(testSite)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test")
	return NewProcessor(store, "resultadoAnaliticasRealizadas", zerolog.Nop(), metrics), store, metrics
}

func putSample(store *repotest.Store, ref string, state domain.SampleState) {
	store.PutSample(domain.SampleTree{Sample: domain.Sample{
		Key:       domain.SampleKey{Tenant: "01", Series: "A", Number: 1},
		Reference: ref,
		State:     state,
	}})
}

func delivery(body string) amqp.Delivery {
	return amqp.Delivery{DeliveryTag: 1, Body: []byte(body)}
}

const acceptedBody = `{
	"codigo": "1",
	"mensaje": "Analítica registrada",
	"mensajeEnviado": {"datos": {"codigoMuestra": "M-1"}},
	"errores": null
}`

func TestHandle_Accepted(t *testing.T) {
	p, store, metrics := newTestProcessor(t)
	putSample(store, "M-1", domain.SampleStateSent)

	require.NoError(t, p.Handle(context.Background(), delivery(acceptedBody)))

	tree, _ := store.Sample("M-1")
	assert.Equal(t, domain.SampleStateReported, tree.Sample.State)

	entries := store.LogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogKindOK, entries[0].Kind)
	assert.Equal(t, "Analítica registrada", entries[0].Message)
	assert.Equal(t, "M-1", entries[0].Detail)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryResults.WithLabelValues(OutcomeAccepted)))
}

func TestHandle_AcceptedNumericCode(t *testing.T) {
	p, store, _ := newTestProcessor(t)
	putSample(store, "M-1", domain.SampleStateSent)

	require.NoError(t, p.Handle(context.Background(), delivery(`{"codigo":1,"mensajeEnviado":{"datos":{"codigoMuestra":"M-1"}}}`)))

	tree, _ := store.Sample("M-1")
	assert.Equal(t, domain.SampleStateReported, tree.Sample.State)
	assert.Equal(t, defaultAcceptedMessage, store.LogEntries()[0].Message)
}

func TestHandle_AcceptedForSampleNotSent(t *testing.T) {
	for _, state := range []domain.SampleState{domain.SampleStatePending, domain.SampleStateReported} {
		t.Run(string(state), func(t *testing.T) {
			p, store, metrics := newTestProcessor(t)
			putSample(store, "M-1", state)

			require.NoError(t, p.Handle(context.Background(), delivery(acceptedBody)))

			tree, _ := store.Sample("M-1")
			assert.Equal(t, state, tree.Sample.State, "only sent samples become reported")
			assert.Empty(t, store.LogKinds())
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryResults.WithLabelValues(OutcomeStale)))
			assert.Equal(t, float64(0), testutil.ToFloat64(metrics.EventLogWrites.WithLabelValues(string(domain.LogKindOK))))
		})
	}
}

func TestHandle_Rejected(t *testing.T) {
	p, store, metrics := newTestProcessor(t)
	putSample(store, "M-1", domain.SampleStateSent)

	body := `{
		"codigo": "0",
		"mensaje": "Error de validación",
		"mensajeEnviado": {"datos": {"codigoMuestra": "M-1"}},
		"errores": "campo pdfAnalitica\n vacío"
	}`
	require.NoError(t, p.Handle(context.Background(), delivery(body)))

	tree, _ := store.Sample("M-1")
	assert.Equal(t, domain.SampleStateSent, tree.Sample.State)

	entries := store.LogEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogKindError, entries[0].Kind)
	assert.Equal(t, "Error de validación", entries[0].Message)
	assert.Equal(t, "campo pdfAnalitica vacío", entries[0].Detail)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryResults.WithLabelValues(OutcomeRejected)))
}

func TestHandle_RejectedWithStructuredErrors(t *testing.T) {
	p, store, _ := newTestProcessor(t)

	body := `{"codigo":"2","mensaje":"KO","errores":[{"campo":"fecha"}]}`
	require.NoError(t, p.Handle(context.Background(), delivery(body)))
	assert.Equal(t, `[{"campo":"fecha"}]`, store.LogEntries()[0].Detail)
}

func TestHandle_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `not json`},
		{name: "missing code", body: `{"mensaje":"x"}`},
		{name: "accepted without reference", body: `{"codigo":"1","mensaje":"ok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store, metrics := newTestProcessor(t)

			err := p.Handle(context.Background(), delivery(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedMessage)
			assert.Equal(t, []domain.LogKind{domain.LogKindError}, store.LogKinds())
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryResults.WithLabelValues(OutcomeMalformed)))
		})
	}
}

func TestHandle_DatabaseError(t *testing.T) {
	p, store, metrics := newTestProcessor(t)
	putSample(store, "M-1", domain.SampleStateSent)
	store.FailOn(repotest.OpMarkReported, errors.New("connection reset"))

	err := p.Handle(context.Background(), delivery(acceptedBody))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrMalformedMessage)

	tree, _ := store.Sample("M-1")
	assert.Equal(t, domain.SampleStateSent, tree.Sample.State)
	assert.Equal(t, []domain.LogKind{domain.LogKindException}, store.LogKinds(), "OK entry rolled back, EXCEPTION entry written apart")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.DeliveryResults.WithLabelValues(OutcomeFailed)))
}
