// Package trigger evaluates confirmed alerts against newly published leads
// and delivers the ones that are due.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/algotips/leadsdb/internal/leads"
	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/metrics"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/store"
)

// Fudge absorbs clock and scheduler skew when deciding whether an alert is due.
const Fudge = 6 * time.Hour

// DefaultConcurrency bounds parallel alert evaluation.
const DefaultConcurrency = 4

// DueThreshold is the earliest last-send time at which an alert of freq is
// still considered recent: now - period + fudge.
func DueThreshold(now time.Time, freq model.Frequency, fudge time.Duration) time.Time {
	return now.Add(-freq.Period()).Add(fudge)
}

// isDue reports whether an alert last sent at lastSent may fire at now.
func isDue(now time.Time, freq model.Frequency, lastSent *time.Time) bool {
	return lastSent == nil || lastSent.Before(DueThreshold(now, freq, Fudge))
}

// RunOptions narrows a run.
type RunOptions struct {
	// Frequency restricts the run to alerts of one frequency when set.
	Frequency *model.Frequency
}

// Report summarises a run.
type Report struct {
	RunID      string        `json:"run_id"`
	Evaluated  int           `json:"evaluated"`
	NotDue     int           `json:"not_due"`
	NoMatches  int           `json:"no_matches"`
	Sent       int           `json:"sent"`
	Failed     int           `json:"failed"`
	MailFailed int           `json:"mail_failed"`
	Duration   time.Duration `json:"duration"`
}

// Engine runs alert evaluation passes.
type Engine struct {
	store       store.Store
	links       *links.Builder
	renderer    *mail.Renderer
	mailer      mail.Mailer
	now         func() time.Time
	concurrency int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConcurrency sets how many alerts are evaluated at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, lb *links.Builder, renderer *mail.Renderer, mailer mail.Mailer, opts ...Option) *Engine {
	e := &Engine{
		store:       st,
		links:       lb,
		renderer:    renderer,
		mailer:      mailer,
		now:         time.Now,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome int

const (
	outcomeNotDue outcome = iota
	outcomeNoMatches
	outcomeSent
)

// result is the outcome of one alert. mailErr is set when a committed
// delivery could not be mailed.
type result struct {
	outcome outcome
	mailErr error
}

// pendingMail is a committed delivery whose mail has not gone out yet.
type pendingMail struct {
	sent    model.SentAlert
	matches []model.LeadMatch
}

// Run evaluates every confirmed alert once. Per-alert failures are logged
// and counted; only failing to enumerate alerts aborts the run.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (Report, error) {
	start := time.Now()
	report := Report{RunID: uuid.NewString()}
	log := zap.L().With(zap.String("run_id", report.RunID))

	now := e.now()
	alerts, err := e.store.ListConfirmedAlerts(ctx, opts.Frequency)
	if err != nil {
		return report, eris.Wrap(err, "trigger: list confirmed alerts")
	}
	log.Info("trigger: run started", zap.Int("alerts", len(alerts)), zap.Time("now", now))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for _, st := range alerts {
		g.Go(func() error {
			alog := log.With(zap.Int64("alert_id", st.ID))
			res, err := e.evaluate(gctx, now, st)

			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch {
			case err != nil:
				report.Failed++
				metrics.TriggerAlerts.WithLabelValues(metrics.OutcomeFailed).Inc()
				alog.Error("trigger: alert failed", zap.Error(err))
			case res.outcome == outcomeNotDue:
				report.NotDue++
				metrics.TriggerAlerts.WithLabelValues(metrics.OutcomeNotDue).Inc()
				alog.Debug("trigger: alert not due")
			case res.outcome == outcomeNoMatches:
				report.NoMatches++
				metrics.TriggerAlerts.WithLabelValues(metrics.OutcomeNoMatches).Inc()
				alog.Debug("trigger: no new leads")
			default:
				report.Sent++
				metrics.TriggerAlerts.WithLabelValues(metrics.OutcomeSent).Inc()
				if res.mailErr != nil {
					report.MailFailed++
					metrics.AlertMail.WithLabelValues(metrics.ResultFailed).Inc()
					alog.Warn("trigger: alert recorded but mail failed", zap.Error(res.mailErr))
				} else {
					metrics.AlertMail.WithLabelValues(metrics.ResultSent).Inc()
					alog.Info("trigger: alert sent", zap.String("recipient", st.Recipient))
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors

	report.Duration = time.Since(start)
	metrics.TriggerRuns.Inc()
	metrics.TriggerRunSeconds.Observe(report.Duration.Seconds())
	log.Info("trigger: run complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("not_due", report.NotDue),
		zap.Int("no_matches", report.NoMatches),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("mail_failed", report.MailFailed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// evaluate records and mails one alert if it is due and has new leads. The
// delivery is committed before mail goes out, so a mail error never undoes it.
func (e *Engine) evaluate(ctx context.Context, now time.Time, st model.AlertStatus) (result, error) {
	if !isDue(now, st.Frequency, st.LastSent) {
		return result{outcome: outcomeNotDue}, nil
	}

	var (
		oc      outcome
		pending pendingMail
	)
	err := e.store.InTx(ctx, func(q store.Queries) error {
		if err := q.LockAlert(ctx, st.ID); err != nil {
			return err
		}
		last, err := q.LastSent(ctx, st.ID)
		if err != nil {
			return err
		}
		if !isDue(now, st.Frequency, last) {
			oc = outcomeNotDue
			return nil
		}

		matches, err := q.MatchLeads(ctx, leads.Selection{
			Filter:         st.Filter,
			Sources:        st.Sources,
			PublishedAfter: DueThreshold(now, st.Frequency, 0),
		})
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			oc = outcomeNoMatches
			return nil
		}

		sent := model.SnapshotOf(st.Alert, now)
		sent.DBLink = e.links.DBLink(st.Alert, DueThreshold(now, st.Frequency, Fudge), now)
		if err := q.CreateSentAlert(ctx, &sent); err != nil {
			return err
		}
		ids := make([]int64, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		if err := q.AddSentAlertContents(ctx, sent.ID, ids); err != nil {
			return err
		}

		oc = outcomeSent
		pending = pendingMail{sent: sent, matches: matches}
		return nil
	})
	if err != nil {
		return result{}, err
	}
	if oc != outcomeSent {
		return result{outcome: oc}, nil
	}
	return result{outcome: oc, mailErr: e.deliver(ctx, pending)}, nil
}

func (e *Engine) deliver(ctx context.Context, p pendingMail) error {
	del, err := e.links.DeleteLink(p.sent.UserID, p.sent.ID)
	if err != nil {
		return err
	}
	unsub, err := e.links.UnsubscribeLink(p.sent.UserID, p.sent.ID)
	if err != nil {
		return err
	}

	listed := p.matches
	if len(listed) > mail.MaxListedLeads {
		listed = listed[:mail.MaxListedLeads]
	}
	lines := make([]mail.LeadLine, 0, len(listed))
	for _, m := range listed {
		lines = append(lines, mail.LeadLine{Name: m.Name, Link: e.links.LeadLink(m.ID)})
	}

	msg, err := e.renderer.Alert(p.sent.Recipient, mail.AlertData{
		BaseURL: e.links.BaseURL,
		Count:   len(p.matches),
		Filter:  p.sent.Filter,
		Sources: links.FormatSources(p.sent.Sources),
		Leads:   lines,
		Links: mail.AlertLinks{
			All:         p.sent.DBLink,
			Delete:      del,
			Unsubscribe: unsub,
			Contact:     links.ContactURL,
		},
	})
	if err != nil {
		return err
	}
	return e.mailer.Send(ctx, msg)
}
