package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/model"
	"github.com/claimguardian/ingest-cli/internal/normalize"
	"github.com/claimguardian/ingest-cli/internal/oracle"
	"github.com/claimguardian/ingest-cli/internal/queue"
	"github.com/claimguardian/ingest-cli/internal/store"
)

type stubEmbedder struct{}

func (stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func testWorker(t *testing.T) (*Worker, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	enricher := oracle.NewEnricher(stubEmbedder{}, nil, 1)
	w := NewWorker(
		queue.New(mock, queue.DefaultConfig()),
		normalize.DefaultRegistry(),
		enricher,
		store.NewWithPool(mock),
		NewStateStore(mock),
		DefaultWorkerConfig(),
	)
	return w, mock
}

func bulletinItem() queue.Item {
	doc := model.NewRawDocument("oir-bulletins", model.PayloadJSON, "https://portal.example/b/1",
		[]byte(`{"document_number":"OIR-26-03M","title":"Milton claims reporting"}`),
		time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC))
	return queue.Item{ID: 7, Kind: model.KindBulletin, Doc: doc, Attempts: 1}
}

func TestWorkerProcess_HappyPath(t *testing.T) {
	w, mock := testWorker(t)
	item := bulletinItem()

	// No current version stored yet.
	mock.ExpectQuery(`SELECT content_hash FROM pipeline.records`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	// Versioned upsert of the enriched record.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, content_hash FROM pipeline.records`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO pipeline.records`).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	// Ack.
	mock.ExpectExec(`SET status = 'done'`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.processBatch(context.Background(), []queue.Item{item})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerProcess_UnchangedHashSkipsEnrichment(t *testing.T) {
	w, mock := testWorker(t)
	item := bulletinItem()

	mock.ExpectQuery(`SELECT content_hash FROM pipeline.records`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"content_hash"}).AddRow(item.Doc.ContentHash))

	// Straight to ack: no upsert transaction, no oracle call.
	mock.ExpectExec(`SET status = 'done'`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w.processBatch(context.Background(), []queue.Item{item})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkerProcess_ValidationDeadLettersAndCountsSchemaFailure(t *testing.T) {
	w, mock := testWorker(t)

	doc := model.NewRawDocument("oir-bulletins", model.PayloadJSON, "https://portal.example/b/2",
		[]byte(`{"title":"missing document number"}`),
		time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC))
	item := queue.Item{ID: 8, Kind: model.KindBulletin, Doc: doc, Attempts: 1}

	// The lone item fails validation, so the whole batch is over the rate
	// threshold: dead-letter first, then one schema failure for the source.
	mock.ExpectExec(`SET status = 'dead'`).
		WithArgs(anyArgs(2)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	mock.ExpectQuery(`SET schema_failures = schema_failures \+ 1`).
		WithArgs("oir-bulletins", 3).
		WillReturnRows(pgxmock.NewRows([]string{"disabled"}).AddRow(false))

	w.processBatch(context.Background(), []queue.Item{item})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_SchemaFailureRateThreshold(t *testing.T) {
	w, mock := testWorker(t)

	// One bad row out of twenty stays under the default 0.5 rate: no
	// schema-failure write for the source.
	w.flushSchemaFailures(context.Background(), map[string]*sourceTally{
		"dor-parcels-12086": {processed: 20, invalid: 1},
	})
	require.NoError(t, mock.ExpectationsWereMet())

	// Half the batch failing crosses the threshold.
	mock.ExpectQuery(`SET schema_failures = schema_failures \+ 1`).
		WithArgs("oir-filings", 3).
		WillReturnRows(pgxmock.NewRows([]string{"disabled"}).AddRow(false))

	w.flushSchemaFailures(context.Background(), map[string]*sourceTally{
		"oir-filings": {processed: 4, invalid: 2},
	})
	require.NoError(t, mock.ExpectationsWereMet())
}
