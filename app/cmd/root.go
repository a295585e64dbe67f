package cmd

import (
	"context"
	"cortex/app/api"
	"cortex/app/client/llm"
	"cortex/app/client/sqlite"
	"cortex/app/client/telegram"
	"cortex/app/config"
	"cortex/app/service/conversation"
	"cortex/app/service/digest"
	"cortex/app/service/engine"
	"cortex/app/service/learning"
	"cortex/app/service/memory"
	"cortex/app/service/memorytools"
	"cortex/app/service/queue"
	"cortex/app/service/reasoning"
	"cortex/app/service/session"
	"cortex/app/service/tasks"
	"cortex/app/util/mylog"
	"fmt"
	"io"

	"github.com/samber/do"
	"github.com/spf13/cobra"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "cortex",
		Short:        "Personal message assistant: triage, auto-replies and long-term memory",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to the config file")

	rootCmd.AddCommand(
		newRunCmd(&configPath),
		newLearnCmd(&configPath),
		newMCPCmd(&configPath),
	)

	return rootCmd
}

type application struct {
	di        *do.Injector
	cfg       *config.Config
	logCloser io.Closer
}

// bootstrap loads config, sets up logging and registers every service.
// Services are created lazily on first invoke.
func bootstrap(ctx context.Context, configPath string) (*application, error) {
	mylog.Preinit()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}

	logCloser, err := mylog.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging init failed: %w", err)
	}

	di := do.New()
	do.ProvideValue(di, ctx)
	do.ProvideValue(di, cfg)

	do.Provide(di, sqlite.New)
	do.Provide(di, llm.Provide)
	do.Provide(di, telegram.New)
	do.Provide(di, reasoning.New)
	do.Provide(di, session.New)
	do.Provide(di, memory.New)
	do.Provide(di, tasks.New)
	do.Provide(di, digest.New)
	do.Provide(di, conversation.New)
	do.Provide(di, queue.New)
	do.Provide(di, engine.New)
	do.Provide(di, learning.New)
	do.Provide(di, memorytools.New)
	do.Provide(di, api.New)

	return &application{
		di:        di,
		cfg:       cfg,
		logCloser: logCloser,
	}, nil
}

func (a *application) Close() {
	_ = a.di.Shutdown()
	_ = a.logCloser.Close()
}
