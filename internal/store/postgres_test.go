package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algotips/leadsdb/internal/leads"
	"github.com/algotips/leadsdb/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_GetAlert_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, user_id, filter, .* FROM alerts WHERE id = \$1 AND user_id = \$2`).
		WithArgs(int64(9), int64(1)).
		WillReturnError(pgx.ErrNoRows)

	a, err := s.GetAlert(context.Background(), 1, 9)
	require.NoError(t, err)
	assert.Nil(t, a)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAlert_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM alerts WHERE id`).
		WithArgs(int64(9), int64(1)).
		WillReturnError(errors.New("connection reset"))

	_, err := s.GetAlert(context.Background(), 1, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get alert 9")
}

func TestPostgresStore_CreateAlert_Returning(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO alerts .* RETURNING id`).
		WithArgs(int64(1), "police", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int16(2), "a@b.com").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))

	a := &model.Alert{UserID: 1, Filter: "police", Frequency: model.FrequencyMonthly, Recipient: "a@b.com"}
	require.NoError(t, s.CreateAlert(context.Background(), a))
	assert.Equal(t, int64(42), a.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteAlert_NoRows(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM alerts WHERE id = \$1 AND user_id = \$2`).
		WithArgs(int64(5), int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ok, err := s.DeleteAlert(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListConfirmedAlerts_Frequency(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	last := time.Date(2020, 5, 28, 0, 0, 0, 0, time.UTC)
	federal := "FEMA"

	mock.ExpectQuery(`FROM alerts a\s+WHERE EXISTS .* AND a\.frequency = \$1 ORDER BY a\.id`).
		WithArgs(int16(0)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "filter", "federal_source", "regional_source", "local_source",
			"frequency", "recipient", "max",
		}).
			AddRow(int64(1), int64(7), "", &federal, (*string)(nil), (*string)(nil), int16(0), "a@b.com", &last).
			AddRow(int64(2), int64(7), "x", (*string)(nil), (*string)(nil), (*string)(nil), int16(0), "a@b.com", (*time.Time)(nil)))

	f := model.FrequencyWeekly
	got, err := s.ListConfirmedAlerts(context.Background(), &f)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].LastSent)
	assert.True(t, last.Equal(*got[0].LastSent))
	assert.Equal(t, "FEMA", *got[0].Sources.Federal)
	assert.Nil(t, got[1].LastSent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MatchLeads_UsesPostgresDialect(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	after := time.Date(2020, 5, 28, 0, 0, 0, 0, time.UTC)
	published := after.Add(time.Hour)

	mock.ExpectQuery(`ILIKE \$1 ESCAPE`).
		WithArgs("%flood%", after).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "published_dt"}).
			AddRow(int64(3), "Flood model", published))

	got, err := s.MatchLeads(context.Background(), leads.Selection{Filter: "flood", PublishedAfter: after})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSentAlertContents_MultiRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO sent_alert_contents \(send_id, lead_id\) VALUES \(\$1, \$2\), \(\$1, \$3\)`).
		WithArgs(int64(10), int64(1), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, s.AddSentAlertContents(context.Background(), 10, []int64{1, 2}))
	require.NoError(t, s.AddSentAlertContents(context.Background(), 10, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSentAlertContents_Batches(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	prev := contentBatchSize
	contentBatchSize = 2
	t.Cleanup(func() { contentBatchSize = prev })

	mock.ExpectExec(`INSERT INTO sent_alert_contents \(send_id, lead_id\) VALUES \(\$1, \$2\), \(\$1, \$3\)$`).
		WithArgs(int64(10), int64(1), int64(2)).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectExec(`INSERT INTO sent_alert_contents \(send_id, lead_id\) VALUES \(\$1, \$2\)$`).
		WithArgs(int64(10), int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AddSentAlertContents(context.Background(), 10, []int64{1, 2, 3}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddSentAlertContents_StopsOnError(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	prev := contentBatchSize
	contentBatchSize = 1
	t.Cleanup(func() { contentBatchSize = prev })

	mock.ExpectExec(`INSERT INTO sent_alert_contents`).
		WithArgs(int64(10), int64(1)).
		WillReturnError(errors.New("boom"))

	err := s.AddSentAlertContents(context.Background(), 10, []int64{1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "add contents for send 10")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSentAlerts_Groups(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	t1 := time.Date(2020, 5, 28, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 7)
	l1, l2 := int64(100), int64(101)

	mock.ExpectQuery(`LEFT JOIN sent_alert_contents`).
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "send_date", "db_link", "lead_id"}).
			AddRow(int64(1), t1, "link1", &l1).
			AddRow(int64(1), t1, "link1", &l2).
			AddRow(int64(2), t2, "link2", (*int64)(nil)))

	got, err := s.ListSentAlerts(context.Background(), 4)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []int64{100, 101}, got[0].LeadIDs)
	assert.Equal(t, []int64{}, got[1].LeadIDs)
	assert.Equal(t, "link2", got[1].DBLink)
}

func TestPostgresStore_InTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(int64(8)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(q Queries) error {
		return q.LockAlert(context.Background(), 8)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(Queries) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_BeginError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	err := s.InTx(context.Background(), func(Queries) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
}

func TestPostgresStore_MigrateRequiresPool(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a pgxpool")
}
