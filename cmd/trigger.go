package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/algotips/leadsdb/internal/model"
	"github.com/algotips/leadsdb/internal/trigger"
)

var triggerFrequency string

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one alert evaluation pass and print the report",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("trigger"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return runTrigger(ctx, env, triggerFrequency, cmd.OutOrStdout())
	},
}

func runTrigger(ctx context.Context, env *appEnv, frequency string, out io.Writer) error {
	var opts trigger.RunOptions
	if frequency != "" {
		f, err := model.ParseFrequency(frequency)
		if err != nil {
			return err
		}
		opts.Frequency = &f
	}

	report, err := env.Engine.Run(ctx, opts)
	if err != nil {
		return err
	}
	env.Checker.Observe(ctx, report)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(report), "write report")
}

func init() {
	triggerCmd.Flags().StringVar(&triggerFrequency, "frequency", "", "only evaluate alerts of this frequency (weekly, semi-weekly, monthly)")
	rootCmd.AddCommand(triggerCmd)
}
