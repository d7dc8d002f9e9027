package leads

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/algotips/leadsdb/internal/model"
)

func strPtr(s string) *string { return &s }

var after = time.Date(2020, 5, 28, 0, 0, 0, 0, time.UTC)

func TestSelection_Unrestricted(t *testing.T) {
	q, args := Selection{PublishedAfter: after}.Build(Postgres)

	assert.Contains(t, q, "al.is_published = 1")
	assert.Contains(t, q, "al.published_dt >= $1")
	assert.NotContains(t, q, "jurisdiction")
	assert.NotContains(t, q, "ILIKE")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(q), "ORDER BY l.id"))
	assert.Equal(t, []any{after}, args)
}

func TestSelection_FilterEscapesWildcards(t *testing.T) {
	q, args := Selection{Filter: " 100%_risk ", PublishedAfter: after}.Build(Postgres)

	assert.Contains(t, q, "al.name ILIKE $1")
	assert.Contains(t, q, "al.topic ILIKE $1")
	assert.Contains(t, q, "al.published_dt >= $2")
	assert.Equal(t, `%100\%\_risk%`, args[0])
}

func TestSelection_SQLiteDialect(t *testing.T) {
	q, args := Selection{Filter: "police", PublishedAfter: after}.Build(SQLite)

	assert.Contains(t, q, "al.name LIKE ?")
	assert.NotContains(t, q, "$1")
	assert.Equal(t, after.UnixNano(), args[1])
}

func TestSelection_Sources(t *testing.T) {
	tests := []struct {
		name     string
		sources  model.Sources
		contains []string
		args     []any
	}{
		{
			name:     "exclude two tiers",
			sources:  model.Sources{Regional: strPtr("exclude"), Local: strPtr("exclude")},
			contains: []string{"(l.jurisdiction = $1)"},
			args:     []any{"federal", after},
		},
		{
			name:     "specific federal source",
			sources:  model.Sources{Federal: strPtr("FEMA")},
			contains: []string{"(l.jurisdiction = $1 AND l.source = $2)", "l.jurisdiction = $3", "l.jurisdiction = $4"},
			args:     []any{"federal", "FEMA", "regional", "local", after},
		},
		{
			name:     "exclude everything",
			sources:  model.Sources{Federal: strPtr("exclude"), Regional: strPtr("exclude"), Local: strPtr("exclude")},
			contains: []string{"1 = 0"},
			args:     []any{after},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := Selection{Sources: tt.sources, PublishedAfter: after}.Build(Postgres)
			for _, c := range tt.contains {
				assert.Contains(t, q, c)
			}
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestSelection_PublishedBefore(t *testing.T) {
	before := after.Add(7 * 24 * time.Hour)
	q, args := Selection{PublishedAfter: after, PublishedBefore: &before}.Build(Postgres)

	assert.Contains(t, q, "al.published_dt <= $2")
	assert.Equal(t, []any{after, before}, args)
}
