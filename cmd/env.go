package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/alert"
	"github.com/algotips/leadsdb/internal/confirm"
	"github.com/algotips/leadsdb/internal/db"
	"github.com/algotips/leadsdb/internal/links"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/monitoring"
	"github.com/algotips/leadsdb/internal/store"
	"github.com/algotips/leadsdb/internal/token"
	"github.com/algotips/leadsdb/internal/trigger"
)

// appEnv holds the components shared by the serve, trigger and schedule
// commands.
type appEnv struct {
	Store   store.Store
	Mailer  mail.Mailer
	Links   *links.Builder
	Confirm *confirm.Workflow
	Alerts  *alert.Service
	Engine  *trigger.Engine
	Checker *monitoring.Checker
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initMailer() (mail.Mailer, error) {
	if cfg.Mail.SMTPURL == "" {
		zap.L().Warn("mail.smtp_url not set, mail will be logged instead of sent")
		return mail.LogMailer{}, nil
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		URL:              cfg.Mail.SMTPURL,
		FromAddress:      cfg.Mail.FromAddress,
		FromName:         cfg.Mail.FromName,
		SkipVerify:       cfg.Mail.SkipVerify,
		CertPath:         cfg.Mail.CertPath,
		RatePerSecond:    cfg.Mail.RatePerSecond,
		Burst:            cfg.Mail.Burst,
		BreakerThreshold: cfg.Mail.BreakerThreshold,
		BreakerReset:     cfg.Mail.BreakerReset,
	})
}

func initEnv(ctx context.Context) (*appEnv, error) {
	codec, err := token.New([]byte(cfg.Auth.SecretKey))
	if err != nil {
		return nil, err
	}
	renderer, err := mail.NewRenderer()
	if err != nil {
		return nil, err
	}
	mailer, err := initMailer()
	if err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	lb := links.NewBuilder(cfg.Site.BaseURL, codec)
	wf := confirm.New(st, lb, renderer, mailer, nil)
	return &appEnv{
		Store:   st,
		Mailer:  mailer,
		Links:   lb,
		Confirm: wf,
		Alerts:  alert.NewService(st, wf, lb),
		Engine: trigger.NewEngine(st, lb, renderer, mailer,
			trigger.WithConcurrency(cfg.Trigger.Concurrency)),
		Checker: monitoring.NewChecker(monitoring.NewAlerter(cfg.Monitoring)),
	}, nil
}

// Close releases the store.
func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// schedules maps the configured cron specs to frequencies.
func schedules() trigger.Schedules {
	return trigger.Schedules{
		model.FrequencyWeekly:     cfg.Schedule.Weekly,
		model.FrequencySemiWeekly: cfg.Schedule.SemiWeekly,
		model.FrequencyMonthly:    cfg.Schedule.Monthly,
	}
}
