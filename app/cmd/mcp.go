package cmd

import (
	"cortex/app/service/memorytools"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do"
	"github.com/spf13/cobra"
)

// stdout carries the protocol, logs stay on stderr.
func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the long-term memory tools over MCP stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			srv, err := do.Invoke[*memorytools.Server](app.di)
			if err != nil {
				return fmt.Errorf("failed to init memory tools: %w", err)
			}

			return srv.ServeStdio(ctx)
		},
	}
}
