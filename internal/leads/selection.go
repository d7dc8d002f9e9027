// Package leads builds the published-lead selection that alert evaluation
// runs against the search tables.
package leads

import (
	"fmt"
	"strings"
	"time"

	"github.com/algotips/leadsdb/internal/model"
)

// Dialect adapts generated SQL to a database engine.
type Dialect interface {
	// Placeholder returns the bind marker for the n-th argument, 1-based.
	Placeholder(n int) string
	// Like is the case-insensitive pattern operator.
	Like() string
	// Time converts a timestamp into the value stored in date columns.
	Time(t time.Time) any
}

type postgresDialect struct{}

func (postgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (postgresDialect) Like() string             { return "ILIKE" }
func (postgresDialect) Time(t time.Time) any     { return t.UTC() }

type sqliteDialect struct{}

func (sqliteDialect) Placeholder(int) string { return "?" }
func (sqliteDialect) Like() string           { return "LIKE" }
func (sqliteDialect) Time(t time.Time) any   { return t.UTC().UnixNano() }

var (
	// Postgres targets pgx.
	Postgres Dialect = postgresDialect{}
	// SQLite targets modernc.org/sqlite, which stores timestamps as unix nanoseconds.
	SQLite Dialect = sqliteDialect{}
)

// Selection describes which published leads an alert matches.
type Selection struct {
	Filter          string
	Sources         model.Sources
	PublishedAfter  time.Time
	PublishedBefore *time.Time
}

type builder struct {
	d     Dialect
	where []string
	args  []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

// Build renders the selection as a query returning (id, name, published_dt)
// ordered by lead id.
func (s Selection) Build(d Dialect) (string, []any) {
	b := &builder{d: d}
	b.where = append(b.where, "al.is_published = 1")

	if f := strings.TrimSpace(s.Filter); f != "" {
		p := b.bind("%" + escapeLike(f) + "%")
		like := d.Like()
		b.where = append(b.where, fmt.Sprintf(
			`(al.name %[1]s %[2]s ESCAPE '\' OR al.description %[1]s %[2]s ESCAPE '\' OR al.topic %[1]s %[2]s ESCAPE '\')`,
			like, p,
		))
	}

	if clause := s.sourceClause(b); clause != "" {
		b.where = append(b.where, clause)
	}

	b.where = append(b.where, "al.published_dt >= "+b.bind(d.Time(s.PublishedAfter)))
	if s.PublishedBefore != nil {
		b.where = append(b.where, "al.published_dt <= "+b.bind(d.Time(*s.PublishedBefore)))
	}

	query := `SELECT l.id, al.name, al.published_dt
		FROM annotated_leads al
		JOIN leads l ON l.id = al.lead_id
		WHERE ` + strings.Join(b.where, " AND ") + `
		ORDER BY l.id`
	return query, b.args
}

// sourceClause ORs together the tiers a lead may come from. An unrestricted
// scope adds no clause; excluding every tier matches nothing.
func (s Selection) sourceClause(b *builder) string {
	if s.Sources.Unrestricted() {
		return ""
	}
	var tiers []string
	for _, tier := range model.Tiers {
		v := s.Sources.Get(tier)
		switch {
		case v == nil:
			tiers = append(tiers, "l.jurisdiction = "+b.bind(string(tier)))
		case *v == model.SourceExclude:
		default:
			j := b.bind(string(tier))
			src := b.bind(*v)
			tiers = append(tiers, fmt.Sprintf("(l.jurisdiction = %s AND l.source = %s)", j, src))
		}
	}
	if len(tiers) == 0 {
		return "1 = 0"
	}
	return "(" + strings.Join(tiers, " OR ") + ")"
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
