package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/algotips/leadsdb/internal/leads"
	"github.com/algotips/leadsdb/internal/model"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using modernc.org/sqlite. It holds a single
// connection, so transactions are serialized and LockAlert is a no-op.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{q: db}, db: db}, nil
}

// DB exposes the underlying handle for tooling and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteQueries{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(_ context.Context) error {
	return migrateSQLite(s.db)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqlExecer is the statement surface shared by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqliteQueries struct {
	q sqlExecer
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAlert(row rowScanner, a *model.Alert) error {
	var federal, regional, local sql.NullString
	var freq int64
	if err := row.Scan(&a.ID, &a.UserID, &a.Filter, &federal, &regional, &local, &freq, &a.Recipient); err != nil {
		return err
	}
	a.Sources = model.Sources{Federal: nullString(federal), Regional: nullString(regional), Local: nullString(local)}
	a.Frequency = model.Frequency(freq)
	return nil
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

func (s *sqliteQueries) GetUserByExternalID(ctx context.Context, externalID, externalType string) (*model.User, error) {
	var (
		u     model.User
		email sql.NullString
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, external_id, external_type, email FROM users WHERE external_id = ? AND external_type = ?`,
		externalID, externalType,
	).Scan(&u.ID, &u.ExternalID, &u.ExternalType, &email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get user")
	}
	u.Email = nullString(email)
	return &u, nil
}

func (s *sqliteQueries) CreateUser(ctx context.Context, u *model.User) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO users (external_id, external_type, email) VALUES (?, ?, ?)`,
		u.ExternalID, u.ExternalType, u.Email,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: create user")
	}
	u.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: user id")
}

func (s *sqliteQueries) EmailClaimedByOther(ctx context.Context, userID int64, email string) (bool, error) {
	var claimed bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = ?1 AND id <> ?2)
			OR EXISTS (SELECT 1 FROM confirmed_emails WHERE email = ?1 AND user_id <> ?2)`,
		email, userID,
	).Scan(&claimed)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check email claim")
	}
	return claimed, nil
}

func (s *sqliteQueries) CreateAlert(ctx context.Context, a *model.Alert) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO alerts (user_id, filter, federal_source, regional_source, local_source, frequency, recipient)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.Filter, a.Sources.Federal, a.Sources.Regional, a.Sources.Local, int64(a.Frequency), a.Recipient,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: create alert")
	}
	a.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: alert id")
}

func (s *sqliteQueries) UpdateAlert(ctx context.Context, a *model.Alert) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE alerts SET filter = ?, federal_source = ?, regional_source = ?, local_source = ?,
			frequency = ?, recipient = ?
		WHERE id = ? AND user_id = ?`,
		a.Filter, a.Sources.Federal, a.Sources.Regional, a.Sources.Local, int64(a.Frequency), a.Recipient,
		a.ID, a.UserID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update alert %d", a.ID)
	}
	return rowsAffected(res) > 0, nil
}

func (s *sqliteQueries) GetAlert(ctx context.Context, userID, alertID int64) (*model.Alert, error) {
	var a model.Alert
	err := scanSQLiteAlert(s.q.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = ? AND user_id = ?`,
		alertID, userID,
	), &a)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get alert %d", alertID)
	}
	return &a, nil
}

func (s *sqliteQueries) ListAlerts(ctx context.Context, userID int64) ([]model.Alert, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = ? ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := scanSQLiteAlert(rows, &a); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alert")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate alerts")
}

func (s *sqliteQueries) DeleteAlert(ctx context.Context, userID, alertID int64) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM alerts WHERE id = ? AND user_id = ?`, alertID, userID)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete alert %d", alertID)
	}
	return rowsAffected(res) > 0, nil
}

func (s *sqliteQueries) DeleteAlertByID(ctx context.Context, alertID int64) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, alertID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: delete alert %d", alertID)
	}
	return rowsAffected(res), nil
}

func (s *sqliteQueries) DeleteAlertsByRecipient(ctx context.Context, email string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM alerts WHERE recipient = ?`, email)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete alerts by recipient")
	}
	return rowsAffected(res), nil
}

func (s *sqliteQueries) IsConfirmed(ctx context.Context, userID int64, email string) (bool, error) {
	var ok bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM confirmed_emails WHERE user_id = ? AND email = ?)`,
		userID, email,
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check confirmed email")
	}
	return ok, nil
}

func (s *sqliteQueries) ConfirmedRecipients(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT DISTINCT email FROM confirmed_emails WHERE user_id = ?`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list confirmed emails")
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan confirmed email")
		}
		out[email] = true
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate confirmed emails")
}

func (s *sqliteQueries) AddConfirmedEmail(ctx context.Context, userID int64, email string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO confirmed_emails (user_id, email)
		SELECT ?1, ?2 WHERE NOT EXISTS (SELECT 1 FROM confirmed_emails WHERE user_id = ?1 AND email = ?2)`,
		userID, email,
	)
	return eris.Wrap(err, "sqlite: add confirmed email")
}

func (s *sqliteQueries) DeleteConfirmedEmails(ctx context.Context, email string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM confirmed_emails WHERE email = ?`, email)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete confirmed emails")
	}
	return rowsAffected(res), nil
}

func (s *sqliteQueries) HasPendingSince(ctx context.Context, email string, since time.Time) (bool, error) {
	var ok bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_confirmations WHERE email = ? AND send_date >= ?)`,
		email, toNanos(since),
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: check pending confirmation")
	}
	return ok, nil
}

func (s *sqliteQueries) CreatePendingConfirmation(ctx context.Context, pc *model.PendingConfirmation) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO pending_confirmations (user_id, email, send_date) VALUES (?, ?, ?)`,
		pc.UserID, pc.Email, toNanos(pc.SendDate),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: create pending confirmation")
	}
	pc.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: pending confirmation id")
}

func (s *sqliteQueries) GetPendingConfirmation(ctx context.Context, id int64) (*model.PendingConfirmation, error) {
	var (
		pc   model.PendingConfirmation
		sent int64
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, user_id, email, send_date FROM pending_confirmations WHERE id = ?`,
		id,
	).Scan(&pc.ID, &pc.UserID, &pc.Email, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pending confirmation %d", id)
	}
	pc.SendDate = fromNanos(sent)
	return &pc, nil
}

func (s *sqliteQueries) DeletePendingConfirmations(ctx context.Context, userID int64, email string) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM pending_confirmations WHERE user_id = ? AND email = ?`,
		userID, email,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete pending confirmations")
	}
	return rowsAffected(res), nil
}

func (s *sqliteQueries) ListConfirmedAlerts(ctx context.Context, freq *model.Frequency) ([]model.AlertStatus, error) {
	query := `SELECT a.id, a.user_id, a.filter, a.federal_source, a.regional_source, a.local_source,
			a.frequency, a.recipient,
			(SELECT MAX(s.send_date) FROM sent_alerts s WHERE s.alert_id = a.id)
		FROM alerts a
		WHERE EXISTS (SELECT 1 FROM confirmed_emails c WHERE c.user_id = a.user_id AND c.email = a.recipient)`
	var args []any
	if freq != nil {
		query += ` AND a.frequency = ?`
		args = append(args, int64(*freq))
	}
	query += ` ORDER BY a.id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list confirmed alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AlertStatus
	for rows.Next() {
		var (
			st                       model.AlertStatus
			federal, regional, local sql.NullString
			f                        int64
			last                     sql.NullInt64
		)
		if err := rows.Scan(&st.ID, &st.UserID, &st.Filter, &federal, &regional, &local,
			&f, &st.Recipient, &last); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan confirmed alert")
		}
		st.Sources = model.Sources{Federal: nullString(federal), Regional: nullString(regional), Local: nullString(local)}
		st.Frequency = model.Frequency(f)
		if last.Valid {
			t := fromNanos(last.Int64)
			st.LastSent = &t
		}
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate confirmed alerts")
}

func (s *sqliteQueries) LockAlert(context.Context, int64) error {
	return nil
}

func (s *sqliteQueries) LastSent(ctx context.Context, alertID int64) (*time.Time, error) {
	var last sql.NullInt64
	err := s.q.QueryRowContext(ctx, `SELECT MAX(send_date) FROM sent_alerts WHERE alert_id = ?`, alertID).Scan(&last)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last sent %d", alertID)
	}
	if !last.Valid {
		return nil, nil
	}
	t := fromNanos(last.Int64)
	return &t, nil
}

func (s *sqliteQueries) MatchLeads(ctx context.Context, sel leads.Selection) ([]model.LeadMatch, error) {
	query, args := sel.Build(leads.SQLite)
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: match leads")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.LeadMatch
	for rows.Next() {
		var (
			m         model.LeadMatch
			published int64
		)
		if err := rows.Scan(&m.ID, &m.Name, &published); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		m.PublishedAt = fromNanos(published)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

func (s *sqliteQueries) CreateSentAlert(ctx context.Context, sa *model.SentAlert) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO sent_alerts (alert_id, send_date, user_id, federal_source, regional_source, local_source,
			frequency, recipient, db_link, filter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sa.AlertID, toNanos(sa.SendDate), sa.UserID, sa.Sources.Federal, sa.Sources.Regional, sa.Sources.Local,
		int64(sa.Frequency), sa.Recipient, sa.DBLink, sa.Filter,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create sent alert for %d", sa.AlertID)
	}
	sa.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: sent alert id")
}

func (s *sqliteQueries) AddSentAlertContents(ctx context.Context, sendID int64, leadIDs []int64) error {
	if len(leadIDs) == 0 {
		return nil
	}
	values := make([]string, 0, len(leadIDs))
	args := make([]any, 0, 2*len(leadIDs))
	for _, id := range leadIDs {
		values = append(values, "(?, ?)")
		args = append(args, sendID, id)
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO sent_alert_contents (send_id, lead_id) VALUES `+strings.Join(values, ", "),
		args...,
	)
	return eris.Wrapf(err, "sqlite: add contents for send %d", sendID)
}

func (s *sqliteQueries) GetSentAlert(ctx context.Context, sendID, userID int64) (*model.SentAlert, error) {
	var (
		sa                       model.SentAlert
		sent, f                  int64
		federal, regional, local sql.NullString
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, alert_id, send_date, user_id, federal_source, regional_source, local_source,
			frequency, recipient, db_link, filter
		FROM sent_alerts WHERE id = ? AND user_id = ?`,
		sendID, userID,
	).Scan(&sa.ID, &sa.AlertID, &sent, &sa.UserID, &federal, &regional, &local,
		&f, &sa.Recipient, &sa.DBLink, &sa.Filter)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get sent alert %d", sendID)
	}
	sa.SendDate = fromNanos(sent)
	sa.Sources = model.Sources{Federal: nullString(federal), Regional: nullString(regional), Local: nullString(local)}
	sa.Frequency = model.Frequency(f)
	return &sa, nil
}

func (s *sqliteQueries) ListSentAlerts(ctx context.Context, alertID int64) ([]model.SentAlert, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT s.id, s.send_date, s.db_link, c.lead_id
		FROM sent_alerts s
		LEFT JOIN sent_alert_contents c ON c.send_id = s.id
		WHERE s.alert_id = ?
		ORDER BY s.send_date, s.id, c.lead_id`,
		alertID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sent alerts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SentAlert
	for rows.Next() {
		var (
			id, sent int64
			link     string
			leadID   sql.NullInt64
		)
		if err := rows.Scan(&id, &sent, &link, &leadID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sent alert")
		}
		var lead *int64
		if leadID.Valid {
			lead = &leadID.Int64
		}
		out = appendSendRow(out, alertID, id, fromNanos(sent), link, lead)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate sent alerts")
}
