//go:build integration

package repository_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/veolab/igeo-bridge/internal/database/dbtest"
	"github.com/veolab/igeo-bridge/internal/domain"
	"github.com/veolab/igeo-bridge/internal/repository"
)

var site = domain.SiteSettings{Tenant: "01", Series: "A", BreakdownType: "T"}

func TestKeyAllocator_ConcurrentWriters(t *testing.T) {
	db := dbtest.NewDB(t)
	store := repository.NewPgStore(db.Pool(), site)
	ctx := context.Background()
	scope := site.SampleKeyScope()

	const writers = 12
	var (
		mu   sync.Mutex
		keys []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			return store.WithinTx(gctx, func(repos repository.Repositories) error {
				v, err := repos.Keys.Allocate(gctx, scope)
				if err != nil {
					return err
				}
				mu.Lock()
				keys = append(keys, v)
				mu.Unlock()
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for i, k := range keys {
		assert.Equal(t, int64(i+1), k)
	}

	t.Run("rollback releases the key", func(t *testing.T) {
		rollback := errors.New("rollback")
		err := store.WithinTx(ctx, func(repos repository.Repositories) error {
			v, err := repos.Keys.Allocate(ctx, scope)
			require.NoError(t, err)
			assert.Equal(t, int64(writers+1), v)
			return rollback
		})
		require.ErrorIs(t, err, rollback)

		err = store.WithinTx(ctx, func(repos repository.Repositories) error {
			v, err := repos.Keys.Allocate(ctx, scope)
			assert.Equal(t, int64(writers+1), v)
			return err
		})
		require.NoError(t, err)
	})
}

func TestSampleLifecycle_AgainstPostgres(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()
	store := repository.NewPgStore(db.Pool(), site)

	_, err := db.Exec(ctx, `
		INSERT INTO technique_columns (technique_tenant, technique_code, column_no, title, is_result)
		VALUES ('01', 55, 1, 'Result', TRUE), ('01', 55, 2, 'Uncertainty', FALSE)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO client_techniques (client_tenant, client_code, external_code, technique_tenant, technique_code)
		VALUES ('01', 300, 'PH', '01', 55)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO clients (tenant, code, name, external_code, queue_name)
		VALUES ('01', 300, 'Water Co', 'C-300', 'client300_queue')`)
	require.NoError(t, err)

	received := time.Date(2024, 3, 5, 9, 30, 0, 0, time.Local)
	technique := domain.PartyRef{Tenant: "01", Code: 55}
	tree := &domain.SampleTree{
		Sample: domain.Sample{
			Key:          domain.SampleKey{Tenant: "01", Series: "A", Number: 1},
			Reference:    "M-1",
			ExternalID:   "IG-1",
			RegisteredOn: time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC),
			ReceivedAt:   &received,
			Client:       domain.PartyRef{Tenant: "01", Code: 300},
		},
		Items:    []domain.AnalysisItem{{Technique: technique, Name: "pH", Method: "ISO", Unit: "ud", Position: 1}},
		Analysts: []domain.PartyRef{{Tenant: "01", Code: 12}},
	}

	require.NoError(t, store.WithinTx(ctx, func(repos repository.Repositories) error {
		return repos.Samples.InsertSampleTree(ctx, tree)
	}))

	repos := store.Repositories()
	key, err := repos.Samples.FindSampleKey(ctx, "M-1")
	require.NoError(t, err)
	assert.Equal(t, tree.Sample.Key, key)

	var columns int
	require.NoError(t, db.QueryRow(ctx, `SELECT count(*) FROM result_columns WHERE op_number = 1`).Scan(&columns))
	assert.Equal(t, 2, columns)

	t.Run("finalized report is fetched once delivered", func(t *testing.T) {
		_, err := db.Exec(ctx, `UPDATE result_columns SET value = '7.2' WHERE op_number = 1 AND column_no = 1`)
		require.NoError(t, err)
		_, err = db.Exec(ctx, `INSERT INTO reports (tenant, series, number) VALUES ('01', 'R', 9)`)
		require.NoError(t, err)
		_, err = db.Exec(ctx, `
			INSERT INTO report_operations (report_tenant, report_series, report_number, op_tenant, op_series, op_number)
			VALUES ('01', 'R', 9, '01', 'A', 1)`)
		require.NoError(t, err)

		records, err := repos.Reports.FetchFinalizedReports(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)

		_, err = db.Exec(ctx, `UPDATE reports SET delivered_at = now() WHERE number = 9`)
		require.NoError(t, err)
		_, err = db.Exec(ctx, `
			INSERT INTO report_documents (tenant, code, version, report_tenant, report_series, report_number, name)
			VALUES ('01', 5, 1, '01', 'R', 9, 'M-1.pdf')`)
		require.NoError(t, err)
		_, err = db.Exec(ctx, `
			INSERT INTO document_blocks (tenant, document_code, version, block_no, content, size)
			VALUES ('01', 5, 1, 2, '\x312e370000'::bytea, 3), ('01', 5, 1, 1, '\x255044462d'::bytea, 5)`)
		require.NoError(t, err)

		records, err = repos.Reports.FetchFinalizedReports(ctx)
		require.NoError(t, err)
		require.Len(t, records, 1)
		rec := records[0]
		assert.Equal(t, "C-300", rec.ClientExternalID)
		assert.Equal(t, "client300_queue", rec.RoutingKey)
		require.Len(t, rec.Items, 1)
		assert.Equal(t, "7.2", rec.Items[0].Result)
		assert.Equal(t, "PH", rec.Items[0].Code)
		assert.Equal(t, []byte("%PDF-1.7"), domain.AssembleDocument(rec.Blocks))
		assert.Equal(t, "06/03/2024", rec.Sample.RegisteredOn.Format("02/01/2006"))
		assert.Equal(t, domain.FormatDate(&received), domain.FormatDate(rec.Sample.ReceivedAt))
	})

	t.Run("state transitions", func(t *testing.T) {
		ok, err := repos.Samples.MarkReported(ctx, "M-1")
		require.NoError(t, err)
		assert.False(t, ok, "pending cannot jump to reported")

		ok, err = repos.Samples.MarkSent(ctx, "M-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repos.Samples.MarkSent(ctx, "M-1")
		require.NoError(t, err)
		assert.False(t, ok)

		records, err := repos.Reports.FetchFinalizedReports(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)

		ok, err = repos.Samples.MarkReported(ctx, "M-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete removes the tree in any state", func(t *testing.T) {
		require.NoError(t, store.WithinTx(ctx, func(repos repository.Repositories) error {
			key, err := repos.Samples.FindSampleKey(ctx, "M-1")
			if err != nil {
				return err
			}
			return repos.Samples.DeleteSampleTree(ctx, key)
		}))

		_, err := repos.Samples.FindSampleKey(ctx, "M-1")
		assert.ErrorIs(t, err, domain.ErrNotFound)

		var remaining int
		require.NoError(t, db.QueryRow(ctx, `
			SELECT (SELECT count(*) FROM analysis_items) + (SELECT count(*) FROM result_columns)
				+ (SELECT count(*) FROM operation_analysts)`).Scan(&remaining))
		assert.Zero(t, remaining)
	})
}

func TestEventLogAndSettings_AgainstPostgres(t *testing.T) {
	db := dbtest.NewDB(t)
	ctx := context.Background()

	_, err := db.Exec(ctx, `UPDATE site_settings SET tenant = '01', series = '' WHERE id = 1`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `
		INSERT INTO technical_keys (tenant, table_name, series, value, is_default)
		VALUES ('01', 'lab_operations', 'Z', 100, TRUE)`)
	require.NoError(t, err)

	settings := repository.NewPgSettingsRepository(db)
	loaded, err := settings.LoadSiteSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Z", loaded.Series)

	broker, err := settings.FetchBrokerSettings(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, broker.Validate(), domain.ErrInvalidInput)

	store := repository.NewPgStore(db.Pool(), loaded)
	for i := 1; i <= 2; i++ {
		require.NoError(t, store.WithinTx(ctx, func(repos repository.Repositories) error {
			code, err := repos.EventLog.AppendLogEntry(ctx, domain.NewLogEntry(domain.LogKindOK, "sent", "a\nb"))
			assert.Equal(t, int64(i), code)
			return err
		}))
	}

	var detail string
	require.NoError(t, db.QueryRow(ctx, `SELECT detail FROM event_log WHERE code = 2`).Scan(&detail))
	assert.Equal(t, "ab", detail)
}
