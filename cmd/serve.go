package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/auth"
	"github.com/algotips/leadsdb/internal/mail"
	"github.com/algotips/leadsdb/internal/server"
	"github.com/algotips/leadsdb/internal/trigger"
)

var servePort int

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the alert HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		handler, err := newHandler(env)
		if err != nil {
			return err
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newHandler(env *appEnv) (http.Handler, error) {
	sessions, err := auth.NewSessionManager(cfg.Auth.SessionHashKey, cfg.Auth.SessionBlockKey, cfg.Auth.SecureCookies)
	if err != nil {
		return nil, err
	}
	deps := server.Deps{
		Store:    env.Store,
		Alerts:   env.Alerts,
		Confirm:  env.Confirm,
		SignIn:   auth.NewService(env.Store, auth.NewGoogleVerifier(cfg.Auth.GoogleClientID)),
		Sessions: sessions,
		Trigger:  env.Engine,
		OnTrigger: func(ctx context.Context, r trigger.Report) {
			env.Checker.Observe(ctx, r)
		},
		CORSOrigins:      cfg.Server.CORSOrigins,
		TriggerAllowlist: cfg.Server.TriggerAllowlist,
	}
	if sm, ok := env.Mailer.(*mail.SMTPMailer); ok {
		deps.MailBreaker = sm
	}
	srv, err := server.New(deps)
	if err != nil {
		return nil, err
	}
	return srv.Handler(), nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
