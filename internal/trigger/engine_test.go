package trigger

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/mail/mailtest"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
	"github.com/algotips/leadsdb/internal/store/storetest"
	"github.com/algotips/leadsdb/internal/token"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	st     *store.SQLiteStore
	mailer *mailtest.Recorder
	clock  *clock
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{t: time.Date(2020, 6, 9, 6, 0, 0, 0, time.UTC)}
	codec, err := token.New([]byte("test-secret"), token.WithClock(clk.Now))
	require.NoError(t, err)
	renderer, err := mail.NewRenderer()
	require.NoError(t, err)

	st := storetest.NewSQLite(t)
	rec := &mailtest.Recorder{}
	lb := links.NewBuilder("https://db.algorithmtips.org", codec)
	e := NewEngine(st, lb, renderer, rec, WithClock(clk.Now), WithConcurrency(1))
	return &fixture{st: st, mailer: rec, clock: clk, engine: e}
}

// confirmedAlert creates a confirmed alert for a fresh user.
func (f *fixture) confirmedAlert(t *testing.T, user, filter string, freq model.Frequency) model.Alert {
	t.Helper()
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, user)
	recipient := user + "@test.net"
	require.NoError(t, f.st.AddConfirmedEmail(ctx, uid, recipient))
	a := model.Alert{UserID: uid, Filter: filter, Frequency: freq, Recipient: recipient}
	require.NoError(t, f.st.CreateAlert(ctx, &a))
	return a
}

func (f *fixture) lead(t *testing.T, name string, age time.Duration) int64 {
	t.Helper()
	return storetest.SeedLead(t, f.st, storetest.Lead{
		Name:        name,
		Description: name + " description",
		PublishedAt: f.clock.Now().Add(-age),
	})
}

func (f *fixture) run(t *testing.T, opts RunOptions) Report {
	t.Helper()
	report, err := f.engine.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	return report
}

const day = 24 * time.Hour

func TestDueThreshold(t *testing.T) {
	now := time.Date(2020, 6, 9, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(-7*day+Fudge), DueThreshold(now, model.FrequencyWeekly, Fudge))
	assert.Equal(t, now.Add(-10*day), DueThreshold(now, model.FrequencySemiWeekly, 0))
	assert.Equal(t, now.Add(-30*day+time.Hour), DueThreshold(now, model.FrequencyMonthly, time.Hour))
}

func TestIsDue(t *testing.T) {
	now := time.Date(2020, 6, 9, 6, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		name string
		freq model.Frequency
		last *time.Time
		want bool
	}{
		{"never sent", model.FrequencyWeekly, nil, true},
		{"sent yesterday", model.FrequencyWeekly, at(day), false},
		{"inside fudge", model.FrequencyWeekly, at(7*day - 5*time.Hour), true},
		{"just before fudge", model.FrequencyWeekly, at(7*day - 7*time.Hour), false},
		{"a period ago", model.FrequencyWeekly, at(7 * day), true},
		{"semi-weekly after a week", model.FrequencySemiWeekly, at(7 * day), false},
		{"monthly after 29 days", model.FrequencyMonthly, at(29 * day), true},
		{"monthly after 20 days", model.FrequencyMonthly, at(20 * day), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDue(now, tt.freq, tt.last))
		})
	}
}

func TestRun_SendsMatchingLeads(t *testing.T) {
	f := newFixture(t)
	a := f.confirmedAlert(t, "alice", "flood", model.FrequencyWeekly)
	fresh := f.lead(t, "flood maps", day)
	f.lead(t, "wildfire model", day)
	f.lead(t, "old flood study", 8*day)

	report := f.run(t, RunOptions{})
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Sent)
	assert.Zero(t, report.MailFailed)

	msgs := f.mailer.To("alice@test.net")
	require.Len(t, msgs, 1)
	assert.Equal(t, mail.AlertSubject, msgs[0].Subject)
	assert.Contains(t, msgs[0].Text, "- flood maps: https://db.algorithmtips.org/lead/")
	assert.Contains(t, msgs[0].Text, "Click here to see all 1 new leads")
	assert.NotContains(t, msgs[0].Text, "old flood study")
	assert.Contains(t, msgs[0].Text, "https://db.algorithmtips.org/delete-alert?token=")
	assert.Contains(t, msgs[0].Text, "https://db.algorithmtips.org/unsubscribe?token=")

	history, err := f.st.ListSentAlerts(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []int64{fresh}, history[0].LeadIDs)
	assert.Equal(t, "https://db.algorithmtips.org/db?filter=flood&from=2020-06-02&to=2020-06-09", history[0].DBLink)
}

func TestRun_PeriodRollover(t *testing.T) {
	f := newFixture(t)
	f.confirmedAlert(t, "alice", "", model.FrequencyWeekly)
	f.lead(t, "first", day)

	report := f.run(t, RunOptions{})
	assert.Equal(t, 1, report.Sent)

	report = f.run(t, RunOptions{})
	assert.Equal(t, 1, report.NotDue)
	assert.Zero(t, report.Sent)

	f.clock.Advance(6 * day)
	f.lead(t, "second", time.Hour)
	report = f.run(t, RunOptions{})
	assert.Equal(t, 1, report.NotDue)

	f.clock.Advance(18*time.Hour + time.Minute)
	report = f.run(t, RunOptions{})
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, f.mailer.Sent(), 2)
	assert.Equal(t, 2, storetest.Count(t, f.st, "sent_alerts"))
}

func TestRun_FullPeriodWithoutNewLeads(t *testing.T) {
	f := newFixture(t)
	f.confirmedAlert(t, "alice", "", model.FrequencyWeekly)
	f.lead(t, "first", day)

	report := f.run(t, RunOptions{})
	require.Equal(t, 1, report.Sent)

	f.clock.Advance(7 * day)
	report = f.run(t, RunOptions{})
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.NoMatches)
	assert.Zero(t, report.Sent)
	assert.Len(t, f.mailer.Sent(), 1)
	assert.Equal(t, 1, storetest.Count(t, f.st, "sent_alerts"))
	assert.Equal(t, 1, storetest.Count(t, f.st, "sent_alert_contents"))
}

func TestRun_ContentsBelongToTheirSend(t *testing.T) {
	f := newFixture(t)
	a := f.confirmedAlert(t, "alice", "", model.FrequencyWeekly)
	first := f.lead(t, "first", day)
	second := f.lead(t, "second", 2*day)

	report := f.run(t, RunOptions{})
	require.Equal(t, 1, report.Sent)

	f.clock.Advance(7 * day)
	third := f.lead(t, "third", time.Hour)
	report = f.run(t, RunOptions{})
	require.Equal(t, 1, report.Sent)

	history, err := f.st.ListSentAlerts(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.NotEqual(t, history[0].ID, history[1].ID)
	assert.ElementsMatch(t, []int64{first, second}, history[0].LeadIDs)
	assert.Equal(t, []int64{third}, history[1].LeadIDs)
	assert.Equal(t, 3, storetest.Count(t, f.st, "sent_alert_contents"))

	msgs := f.mailer.Sent()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Text, "- third: ")
	assert.NotContains(t, msgs[1].Text, "- first: ")
}

func TestRun_SkipsUnconfirmedAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	uid := storetest.SeedUser(t, f.st, "bob")
	a := model.Alert{UserID: uid, Frequency: model.FrequencyWeekly, Recipient: "bob@test.net"}
	require.NoError(t, f.st.CreateAlert(ctx, &a))
	f.lead(t, "anything", day)

	report := f.run(t, RunOptions{})
	assert.Zero(t, report.Evaluated)
	assert.Empty(t, f.mailer.Sent())
}

func TestRun_NoMatches(t *testing.T) {
	f := newFixture(t)
	f.confirmedAlert(t, "alice", "flood", model.FrequencyWeekly)
	f.lead(t, "wildfire model", day)

	report := f.run(t, RunOptions{})
	assert.Equal(t, 1, report.NoMatches)
	assert.Empty(t, f.mailer.Sent())
	assert.Zero(t, storetest.Count(t, f.st, "sent_alerts"))
}

func TestRun_FrequencyFilter(t *testing.T) {
	f := newFixture(t)
	f.confirmedAlert(t, "weekly", "", model.FrequencyWeekly)
	f.confirmedAlert(t, "monthly", "", model.FrequencyMonthly)
	f.lead(t, "lead", day)

	monthly := model.FrequencyMonthly
	report := f.run(t, RunOptions{Frequency: &monthly})
	assert.Equal(t, 1, report.Evaluated)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, f.mailer.To("monthly@test.net"), 1)
	assert.Empty(t, f.mailer.To("weekly@test.net"))
}

func TestRun_MailFailureKeepsDelivery(t *testing.T) {
	f := newFixture(t)
	f.confirmedAlert(t, "alice", "", model.FrequencyWeekly)
	f.lead(t, "lead", day)
	f.mailer.Err = errors.New("relay down")

	report := f.run(t, RunOptions{})
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, report.MailFailed)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, storetest.Count(t, f.st, "sent_alerts"))
	assert.Equal(t, 1, storetest.Count(t, f.st, "sent_alert_contents"))

	f.mailer.Err = nil
	report = f.run(t, RunOptions{})
	assert.Equal(t, 1, report.NotDue)
	assert.Empty(t, f.mailer.Sent())
}

func TestRun_ListsAtMostThreeLeads(t *testing.T) {
	f := newFixture(t)
	a := f.confirmedAlert(t, "alice", "", model.FrequencyWeekly)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		f.lead(t, name, day)
	}

	report := f.run(t, RunOptions{})
	require.Equal(t, 1, report.Sent)

	msgs := f.mailer.Sent()
	require.Len(t, msgs, 1)
	assert.Equal(t, mail.MaxListedLeads, strings.Count(msgs[0].Text, "\n- "))
	assert.Contains(t, msgs[0].Text, "Click here to see all 5 new leads")

	history, err := f.st.ListSentAlerts(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Len(t, history[0].LeadIDs, 5)
}

func TestRun_ManyAlertsConcurrently(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.st, f.engine.links, f.engine.renderer, f.mailer,
		WithClock(f.clock.Now), WithConcurrency(4))
	for _, user := range []string{"a", "b", "c", "d", "e", "f"} {
		f.confirmedAlert(t, user, "", model.FrequencyWeekly)
	}
	f.lead(t, "lead", day)

	report := f.run(t, RunOptions{})
	assert.Equal(t, 6, report.Evaluated)
	assert.Equal(t, 6, report.Sent)
	assert.Len(t, f.mailer.Sent(), 6)
}
