package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/algotips/leadsdb/internal/db"
	"github.com/algotips/leadsdb/internal/leads"
	"github.com/algotips/leadsdb/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool db.Pool
	raw  *pgxpool.Pool
}

// NewPostgres connects to Postgres and returns a store over the pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	s := NewPostgresFromPool(pool)
	s.raw = pool
	return s, nil
}

// NewPostgresFromPool wraps an existing pool. Migrate is unavailable unless
// the pool is a *pgxpool.Pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	s := &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool}
	if raw, ok := pool.(*pgxpool.Pool); ok {
		s.raw = raw
	}
	return s
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgQueries{q: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.raw == nil {
		return eris.New("postgres: migrate requires a pgxpool connection")
	}
	return migratePostgres(s.raw)
}

func (s *PostgresStore) Close() error {
	if s.raw != nil {
		s.raw.Close()
	}
	return nil
}

// pgQueries runs statements against a pool or a transaction.
type pgQueries struct {
	q db.Querier
}

const alertColumns = `id, user_id, filter, federal_source, regional_source, local_source, frequency, recipient`

func scanPGAlert(row pgx.Row, a *model.Alert) error {
	var freq int16
	if err := row.Scan(&a.ID, &a.UserID, &a.Filter,
		&a.Sources.Federal, &a.Sources.Regional, &a.Sources.Local,
		&freq, &a.Recipient); err != nil {
		return err
	}
	a.Frequency = model.Frequency(freq)
	return nil
}

func (p *pgQueries) GetUserByExternalID(ctx context.Context, externalID, externalType string) (*model.User, error) {
	var u model.User
	err := p.q.QueryRow(ctx,
		`SELECT id, external_id, external_type, email FROM users WHERE external_id = $1 AND external_type = $2`,
		externalID, externalType,
	).Scan(&u.ID, &u.ExternalID, &u.ExternalType, &u.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get user")
	}
	return &u, nil
}

func (p *pgQueries) CreateUser(ctx context.Context, u *model.User) error {
	err := p.q.QueryRow(ctx,
		`INSERT INTO users (external_id, external_type, email) VALUES ($1, $2, $3) RETURNING id`,
		u.ExternalID, u.ExternalType, u.Email,
	).Scan(&u.ID)
	return eris.Wrap(err, "postgres: create user")
}

func (p *pgQueries) EmailClaimedByOther(ctx context.Context, userID int64, email string) (bool, error) {
	var claimed bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND id <> $2)
			OR EXISTS (SELECT 1 FROM confirmed_emails WHERE email = $1 AND user_id <> $2)`,
		email, userID,
	).Scan(&claimed)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check email claim")
	}
	return claimed, nil
}

func (p *pgQueries) CreateAlert(ctx context.Context, a *model.Alert) error {
	err := p.q.QueryRow(ctx,
		`INSERT INTO alerts (user_id, filter, federal_source, regional_source, local_source, frequency, recipient)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.UserID, a.Filter, a.Sources.Federal, a.Sources.Regional, a.Sources.Local, int16(a.Frequency), a.Recipient,
	).Scan(&a.ID)
	return eris.Wrap(err, "postgres: create alert")
}

func (p *pgQueries) UpdateAlert(ctx context.Context, a *model.Alert) (bool, error) {
	tag, err := p.q.Exec(ctx,
		`UPDATE alerts SET filter = $1, federal_source = $2, regional_source = $3, local_source = $4,
			frequency = $5, recipient = $6
		WHERE id = $7 AND user_id = $8`,
		a.Filter, a.Sources.Federal, a.Sources.Regional, a.Sources.Local, int16(a.Frequency), a.Recipient,
		a.ID, a.UserID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update alert %d", a.ID)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *pgQueries) GetAlert(ctx context.Context, userID, alertID int64) (*model.Alert, error) {
	var a model.Alert
	err := scanPGAlert(p.q.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE id = $1 AND user_id = $2`,
		alertID, userID,
	), &a)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get alert %d", alertID)
	}
	return &a, nil
}

func (p *pgQueries) ListAlerts(ctx context.Context, userID int64) ([]model.Alert, error) {
	rows, err := p.q.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = $1 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list alerts")
	}
	defer rows.Close()

	var out []model.Alert
	for rows.Next() {
		var a model.Alert
		if err := scanPGAlert(rows, &a); err != nil {
			return nil, eris.Wrap(err, "postgres: scan alert")
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate alerts")
}

func (p *pgQueries) DeleteAlert(ctx context.Context, userID, alertID int64) (bool, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM alerts WHERE id = $1 AND user_id = $2`, alertID, userID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete alert %d", alertID)
	}
	return tag.RowsAffected() > 0, nil
}

func (p *pgQueries) DeleteAlertByID(ctx context.Context, alertID int64) (int64, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM alerts WHERE id = $1`, alertID)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: delete alert %d", alertID)
	}
	return tag.RowsAffected(), nil
}

func (p *pgQueries) DeleteAlertsByRecipient(ctx context.Context, email string) (int64, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM alerts WHERE recipient = $1`, email)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete alerts by recipient")
	}
	return tag.RowsAffected(), nil
}

func (p *pgQueries) IsConfirmed(ctx context.Context, userID int64, email string) (bool, error) {
	var ok bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM confirmed_emails WHERE user_id = $1 AND email = $2)`,
		userID, email,
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check confirmed email")
	}
	return ok, nil
}

func (p *pgQueries) ConfirmedRecipients(ctx context.Context, userID int64) (map[string]bool, error) {
	rows, err := p.q.Query(ctx, `SELECT DISTINCT email FROM confirmed_emails WHERE user_id = $1`, userID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list confirmed emails")
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, eris.Wrap(err, "postgres: scan confirmed email")
		}
		out[email] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate confirmed emails")
}

func (p *pgQueries) AddConfirmedEmail(ctx context.Context, userID int64, email string) error {
	_, err := p.q.Exec(ctx,
		`INSERT INTO confirmed_emails (user_id, email)
		SELECT $1::bigint, $2::text WHERE NOT EXISTS (SELECT 1 FROM confirmed_emails WHERE user_id = $1 AND email = $2)`,
		userID, email,
	)
	return eris.Wrap(err, "postgres: add confirmed email")
}

func (p *pgQueries) DeleteConfirmedEmails(ctx context.Context, email string) (int64, error) {
	tag, err := p.q.Exec(ctx, `DELETE FROM confirmed_emails WHERE email = $1`, email)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete confirmed emails")
	}
	return tag.RowsAffected(), nil
}

func (p *pgQueries) HasPendingSince(ctx context.Context, email string, since time.Time) (bool, error) {
	var ok bool
	err := p.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pending_confirmations WHERE email = $1 AND send_date >= $2)`,
		email, since.UTC(),
	).Scan(&ok)
	if err != nil {
		return false, eris.Wrap(err, "postgres: check pending confirmation")
	}
	return ok, nil
}

func (p *pgQueries) CreatePendingConfirmation(ctx context.Context, pc *model.PendingConfirmation) error {
	err := p.q.QueryRow(ctx,
		`INSERT INTO pending_confirmations (user_id, email, send_date) VALUES ($1, $2, $3) RETURNING id`,
		pc.UserID, pc.Email, pc.SendDate.UTC(),
	).Scan(&pc.ID)
	return eris.Wrap(err, "postgres: create pending confirmation")
}

func (p *pgQueries) GetPendingConfirmation(ctx context.Context, id int64) (*model.PendingConfirmation, error) {
	var pc model.PendingConfirmation
	err := p.q.QueryRow(ctx,
		`SELECT id, user_id, email, send_date FROM pending_confirmations WHERE id = $1`,
		id,
	).Scan(&pc.ID, &pc.UserID, &pc.Email, &pc.SendDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get pending confirmation %d", id)
	}
	return &pc, nil
}

func (p *pgQueries) DeletePendingConfirmations(ctx context.Context, userID int64, email string) (int64, error) {
	tag, err := p.q.Exec(ctx,
		`DELETE FROM pending_confirmations WHERE user_id = $1 AND email = $2`,
		userID, email,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete pending confirmations")
	}
	return tag.RowsAffected(), nil
}

func (p *pgQueries) ListConfirmedAlerts(ctx context.Context, freq *model.Frequency) ([]model.AlertStatus, error) {
	query := `SELECT a.id, a.user_id, a.filter, a.federal_source, a.regional_source, a.local_source,
			a.frequency, a.recipient,
			(SELECT MAX(s.send_date) FROM sent_alerts s WHERE s.alert_id = a.id)
		FROM alerts a
		WHERE EXISTS (SELECT 1 FROM confirmed_emails c WHERE c.user_id = a.user_id AND c.email = a.recipient)`
	var args []any
	if freq != nil {
		query += ` AND a.frequency = $1`
		args = append(args, int16(*freq))
	}
	query += ` ORDER BY a.id`

	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list confirmed alerts")
	}
	defer rows.Close()

	var out []model.AlertStatus
	for rows.Next() {
		var (
			st   model.AlertStatus
			f    int16
			last *time.Time
		)
		if err := rows.Scan(&st.ID, &st.UserID, &st.Filter,
			&st.Sources.Federal, &st.Sources.Regional, &st.Sources.Local,
			&f, &st.Recipient, &last); err != nil {
			return nil, eris.Wrap(err, "postgres: scan confirmed alert")
		}
		st.Frequency = model.Frequency(f)
		st.LastSent = last
		out = append(out, st)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate confirmed alerts")
}

// LockAlert takes a transaction-scoped advisory lock keyed by alert id.
func (p *pgQueries) LockAlert(ctx context.Context, alertID int64) error {
	_, err := p.q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, alertID)
	return eris.Wrapf(err, "postgres: lock alert %d", alertID)
}

func (p *pgQueries) LastSent(ctx context.Context, alertID int64) (*time.Time, error) {
	var last *time.Time
	err := p.q.QueryRow(ctx, `SELECT MAX(send_date) FROM sent_alerts WHERE alert_id = $1`, alertID).Scan(&last)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: last sent %d", alertID)
	}
	return last, nil
}

func (p *pgQueries) MatchLeads(ctx context.Context, sel leads.Selection) ([]model.LeadMatch, error) {
	query, args := sel.Build(leads.Postgres)
	rows, err := p.q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: match leads")
	}
	defer rows.Close()

	var out []model.LeadMatch
	for rows.Next() {
		var m model.LeadMatch
		if err := rows.Scan(&m.ID, &m.Name, &m.PublishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

func (p *pgQueries) CreateSentAlert(ctx context.Context, s *model.SentAlert) error {
	err := p.q.QueryRow(ctx,
		`INSERT INTO sent_alerts (alert_id, send_date, user_id, federal_source, regional_source, local_source,
			frequency, recipient, db_link, filter)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		s.AlertID, s.SendDate.UTC(), s.UserID, s.Sources.Federal, s.Sources.Regional, s.Sources.Local,
		int16(s.Frequency), s.Recipient, s.DBLink, s.Filter,
	).Scan(&s.ID)
	return eris.Wrapf(err, "postgres: create sent alert for %d", s.AlertID)
}

// contentBatchSize caps the rows per INSERT so a large match set stays
// under the 65535 bind parameter limit.
var contentBatchSize = 1000

func (p *pgQueries) AddSentAlertContents(ctx context.Context, sendID int64, leadIDs []int64) error {
	for len(leadIDs) > 0 {
		n := min(len(leadIDs), contentBatchSize)
		if err := p.insertContents(ctx, sendID, leadIDs[:n]); err != nil {
			return err
		}
		leadIDs = leadIDs[n:]
	}
	return nil
}

func (p *pgQueries) insertContents(ctx context.Context, sendID int64, leadIDs []int64) error {
	values := make([]string, 0, len(leadIDs))
	args := make([]any, 0, len(leadIDs)+1)
	args = append(args, sendID)
	for i, id := range leadIDs {
		values = append(values, fmt.Sprintf("($1, $%d)", i+2))
		args = append(args, id)
	}
	_, err := p.q.Exec(ctx,
		`INSERT INTO sent_alert_contents (send_id, lead_id) VALUES `+strings.Join(values, ", "),
		args...,
	)
	return eris.Wrapf(err, "postgres: add contents for send %d", sendID)
}

func (p *pgQueries) GetSentAlert(ctx context.Context, sendID, userID int64) (*model.SentAlert, error) {
	var (
		s model.SentAlert
		f int16
	)
	err := p.q.QueryRow(ctx,
		`SELECT id, alert_id, send_date, user_id, federal_source, regional_source, local_source,
			frequency, recipient, db_link, filter
		FROM sent_alerts WHERE id = $1 AND user_id = $2`,
		sendID, userID,
	).Scan(&s.ID, &s.AlertID, &s.SendDate, &s.UserID,
		&s.Sources.Federal, &s.Sources.Regional, &s.Sources.Local,
		&f, &s.Recipient, &s.DBLink, &s.Filter)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get sent alert %d", sendID)
	}
	s.Frequency = model.Frequency(f)
	return &s, nil
}

func (p *pgQueries) ListSentAlerts(ctx context.Context, alertID int64) ([]model.SentAlert, error) {
	rows, err := p.q.Query(ctx,
		`SELECT s.id, s.send_date, s.db_link, c.lead_id
		FROM sent_alerts s
		LEFT JOIN sent_alert_contents c ON c.send_id = s.id
		WHERE s.alert_id = $1
		ORDER BY s.send_date, s.id, c.lead_id`,
		alertID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sent alerts")
	}
	defer rows.Close()

	var out []model.SentAlert
	for rows.Next() {
		var (
			id     int64
			sentAt time.Time
			link   string
			leadID *int64
		)
		if err := rows.Scan(&id, &sentAt, &link, &leadID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan sent alert")
		}
		out = appendSendRow(out, alertID, id, sentAt, link, leadID)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate sent alerts")
}

// appendSendRow folds one (send, lead) join row into the grouped result.
func appendSendRow(out []model.SentAlert, alertID, sendID int64, sentAt time.Time, link string, leadID *int64) []model.SentAlert {
	if n := len(out); n == 0 || out[n-1].ID != sendID {
		out = append(out, model.SentAlert{ID: sendID, AlertID: alertID, SendDate: sentAt, DBLink: link, LeadIDs: []int64{}})
	}
	if leadID != nil {
		last := &out[len(out)-1]
		last.LeadIDs = append(last.LeadIDs, *leadID)
	}
	return out
}
