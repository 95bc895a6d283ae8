package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claimguardian/ingest-cli/internal/model"
)

var testDoc = model.NewRawDocument(
	"oir-bulletins", model.PayloadJSON, "https://portal.example/page/1",
	[]byte(`{"document_number":"OIR-26-03M","title":"Milton claims reporting"}`),
	time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC),
)

func testQueue(t *testing.T) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock, DefaultConfig()), mock
}

func docJSON(t *testing.T, doc model.RawDocument) []byte {
	t.Helper()
	payload, err := json.Marshal(doc)
	require.NoError(t, err)
	return payload
}

func TestEnqueue_Success(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`INSERT INTO pipeline.queue_items`).
		WithArgs(testDoc.SourceID, "bulletin", testDoc.ContentHash, docJSON(t, testDoc)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, q.Enqueue(context.Background(), model.KindBulletin, testDoc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_Error(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`INSERT INTO pipeline.queue_items`).
		WithArgs(testDoc.SourceID, "bulletin", testDoc.ContentHash, docJSON(t, testDoc)).
		WillReturnError(fmt.Errorf("connection refused"))

	err := q.Enqueue(context.Background(), model.KindBulletin, testDoc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue")
}

func TestEnqueueBatch(t *testing.T) {
	q, mock := testQueue(t)

	doc2 := model.NewRawDocument("oir-bulletins", model.PayloadJSON, "https://portal.example/page/1",
		[]byte(`{"document_number":"OIR-26-04M","title":"Data call"}`), testDoc.FetchedAt)

	// COPY through a temp table, then one conflict-aware insert.
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_pipeline_queue_items"}, enqueueColumns).
		WillReturnResult(2)
	mock.ExpectExec(`(?s)INSERT INTO "pipeline"."queue_items".*DO NOTHING`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := q.EnqueueBatch(context.Background(), model.KindBulletin, []model.RawDocument{testDoc, doc2})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueBatch_Empty(t *testing.T) {
	q, _ := testQueue(t)
	require.NoError(t, q.EnqueueBatch(context.Background(), model.KindBulletin, nil))
}

func TestClaim_LeasesRows(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'dead'`).
		WithArgs(q.cfg.MaxAttempts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10, q.cfg.MaxAttempts).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "payload", "attempts", "last_error"}).
			AddRow(int64(7), "bulletin", docJSON(t, testDoc), 0, ""))
	mock.ExpectExec(`SET status = 'leased'`).
		WithArgs([]int64{7}, "worker-1", q.cfg.LeaseDuration.Seconds()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	items, err := q.Claim(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(7), items[0].ID)
	assert.Equal(t, model.KindBulletin, items[0].Kind)
	assert.Equal(t, testDoc.ContentHash, items[0].Doc.ContentHash)
	// Claim increments the attempt the caller sees.
	assert.Equal(t, 1, items[0].Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_EmptyCommitsAndReturnsNil(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SET status = 'dead'`).
		WithArgs(q.cfg.MaxAttempts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10, q.cfg.MaxAttempts).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "payload", "attempts", "last_error"}))
	mock.ExpectCommit()

	items, err := q.Claim(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Nil(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_ExhaustedExpiredLeaseDeadLetters(t *testing.T) {
	q, mock := testQueue(t)

	// An item whose lease expired after its last allowed attempt is swept to
	// dead inside the claim transaction; the attempts ceiling on the select
	// keeps it out of the returned batch.
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)SET status = 'dead'.*attempts >= \$1`).
		WithArgs(q.cfg.MaxAttempts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`attempts < \$2`).
		WithArgs(10, q.cfg.MaxAttempts).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "payload", "attempts", "last_error"}))
	mock.ExpectCommit()

	items, err := q.Claim(context.Background(), "worker-1", 10)
	require.NoError(t, err)
	assert.Nil(t, items)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAck(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`SET status = 'done'`).
		WithArgs(int64(7)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, q.Ack(context.Background(), 7))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_RetryableReschedules(t *testing.T) {
	q, mock := testQueue(t)

	// Attempt 2 → delay base*2 = 60s.
	mock.ExpectExec(`SET status = 'pending'`).
		WithArgs(int64(7), "oracle: 429", float64(60)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	item := Item{ID: 7, Doc: testDoc, Attempts: 2}
	require.NoError(t, q.Fail(context.Background(), item, true, fmt.Errorf("oracle: 429")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_PermanentDeadLetters(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`SET status = 'dead'`).
		WithArgs(int64(7), "oracle: malformed input").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	item := Item{ID: 7, Doc: testDoc, Attempts: 1}
	require.NoError(t, q.Fail(context.Background(), item, false, fmt.Errorf("oracle: malformed input")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFail_ExhaustedAttemptsDeadLetters(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`SET status = 'dead'`).
		WithArgs(int64(7), "still failing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	item := Item{ID: 7, Doc: testDoc, Attempts: q.cfg.MaxAttempts}
	require.NoError(t, q.Fail(context.Background(), item, true, fmt.Errorf("still failing")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	q := New(nil, Config{BackoffBase: 30 * time.Second, BackoffMax: time.Hour})

	assert.Equal(t, 30*time.Second, q.backoff(1))
	assert.Equal(t, time.Minute, q.backoff(2))
	assert.Equal(t, 8*time.Minute, q.backoff(5))
	assert.Equal(t, time.Hour, q.backoff(20))
	assert.Equal(t, 30*time.Second, q.backoff(0))
}

func TestDeadLetters(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectQuery(`WHERE status = 'dead'`).
		WithArgs(50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "kind", "payload", "attempts", "last_error"}).
			AddRow(int64(9), "parcel", docJSON(t, testDoc), 5, "oracle: quota"))

	items, err := q.DeadLetters(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "oracle: quota", items[0].LastError)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeue(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectExec(`AND status = 'dead'`).
		WithArgs([]int64{9, 10}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.Requeue(context.Background(), []int64{9, 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = q.Requeue(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStats(t *testing.T) {
	q, mock := testQueue(t)

	mock.ExpectQuery(`FROM pipeline.queue_items`).
		WillReturnRows(pgxmock.NewRows([]string{"pending", "leased", "dead", "oldest"}).
			AddRow(int64(12), int64(3), int64(1), float64(90)))

	s, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 12, s.Pending)
	assert.EqualValues(t, 3, s.Leased)
	assert.EqualValues(t, 1, s.Dead)
	assert.Equal(t, 90*time.Second, s.OldestWait)
}
