package cmd

import (
	"cortex/app/service/learning"
	"fmt"
	"log/slog"

	"github.com/samber/do"
	"github.com/spf13/cobra"
)

func newLearnCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "learn",
		Short: "Run a single learning cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			app, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			svc, err := do.Invoke[*learning.Service](app.di)
			if err != nil {
				return fmt.Errorf("failed to init learning: %w", err)
			}

			if err = svc.RunCycle(ctx); err != nil {
				return fmt.Errorf("learning cycle failed: %w", err)
			}

			checkpoint := svc.Checkpoint()
			slog.Info("Learning cycle finished",
				"last_context", deref(checkpoint.LastContextTimestamp),
				"last_feedback", deref(checkpoint.LastFeedbackTimestamp),
			)

			return nil
		},
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
