// Package storetest provides SQLite-backed fixtures for package tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
)

// NewSQLite opens a migrated SQLite store in a temp dir.
func NewSQLite(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Lead describes a search-subsystem lead to insert.
type Lead struct {
	Name         string
	Description  string
	Topic        string
	Jurisdiction string
	Source       string
	Unpublished  bool
	PublishedAt  time.Time
}

// SeedLead inserts a lead and its annotation and returns the lead id.
func SeedLead(t testing.TB, st *store.SQLiteStore, l Lead) int64 {
	t.Helper()
	ctx := context.Background()
	if l.Jurisdiction == "" {
		l.Jurisdiction = string(model.TierFederal)
	}
	res, err := st.DB().ExecContext(ctx,
		`INSERT INTO leads (discovered_dt, link, jurisdiction, source) VALUES (?, ?, ?, ?)`,
		l.PublishedAt.UTC().UnixNano(), "https://example.gov/"+l.Name, l.Jurisdiction, l.Source,
	)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)

	published := 1
	if l.Unpublished {
		published = 0
	}
	_, err = st.DB().ExecContext(ctx,
		`INSERT INTO annotated_leads (lead_id, name, description, topic, is_published, published_dt)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, l.Name, l.Description, l.Topic, published, l.PublishedAt.UTC().UnixNano(),
	)
	require.NoError(t, err)
	return id
}

// SeedUser creates a Google user and returns its id.
func SeedUser(t testing.TB, st store.Store, externalID string) int64 {
	t.Helper()
	u := &model.User{ExternalID: externalID, ExternalType: model.ExternalTypeGoogle}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u.ID
}

// Count returns the number of rows in table.
func Count(t testing.TB, st *store.SQLiteStore, table string) int {
	t.Helper()
	var n int
	require.NoError(t, st.DB().QueryRowContext(context.Background(),
		fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
	return n
}
