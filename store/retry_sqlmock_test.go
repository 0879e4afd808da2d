package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Opens a gorm handle over sqlmock so connection-level failures can be
// scripted without a live postgres.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 db,
		PreferSimpleProtocol: true,
	}), &gorm.Config{Logger: gormlogger.Discard})
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Driver = "postgres"
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Millisecond
	return NewWithDB(gdb, cfg, zap.NewNop()), mock
}

func TestSearchDocuments_TransientErrorRetriesThenUnavailable(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnError(errString("driver: bad connection"))
	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnError(errString("driver: bad connection"))

	_, err := s.SearchDocuments(context.Background(), []string{"fever"}, DocumentFilter{}, 5)
	require.ErrorIs(t, err, ErrUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

type recordingMetrics struct {
	queries []string
	retries []string
}

func (m *recordingMetrics) RecordStoreQuery(op string, _ time.Duration) {
	m.queries = append(m.queries, op)
}

func (m *recordingMetrics) RecordStoreRetry(op string) {
	m.retries = append(m.retries, op)
}

func TestWithRetry_RecordsQueryAndRetryMetrics(t *testing.T) {
	s, mock := newMockStore(t)
	rec := &recordingMetrics{}
	s.SetMetrics(rec)

	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnError(errString("driver: bad connection"))
	rows := sqlmock.NewRows([]string{"id", "text", "embedding", "patient_id", "created_at"}).
		AddRow("D1", "fever noted", nil, "p1", time.Now())
	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnRows(rows)

	_, err := s.SearchDocuments(context.Background(), []string{"fever"}, DocumentFilter{}, 5)
	require.NoError(t, err)
	require.Equal(t, []string{"search_documents"}, rec.queries)
	require.Equal(t, []string{"search_documents"}, rec.retries)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchDocuments_RecoversOnRetry(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnError(errString("connection reset by peer"))
	rows := sqlmock.NewRows([]string{"id", "text", "embedding", "patient_id", "created_at"}).
		AddRow("D1", "fever noted", nil, "p1", time.Now())
	mock.ExpectQuery(`SELECT .* FROM "documents"`).WillReturnRows(rows)

	docs, err := s.SearchDocuments(context.Background(), []string{"fever"}, DocumentFilter{}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "D1", docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
