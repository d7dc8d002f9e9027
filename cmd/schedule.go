package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/algotips/leadsdb/internal/trigger"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run alert evaluation on the configured cron schedules until signalled",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("schedule"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		s, err := trigger.NewScheduler(ctx, env.Engine, schedules(), func(r trigger.Report) {
			env.Checker.Observe(ctx, r)
		})
		if err != nil {
			return err
		}

		s.Start()
		zap.L().Info("scheduler started", zap.Int("jobs", s.Jobs()))
		<-ctx.Done()
		s.Stop()
		zap.L().Info("scheduler stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
