package cmd

import (
	"context"
	"cortex/app/api"
	"cortex/app/client/telegram"
	"cortex/app/service/digest"
	"cortex/app/service/engine"
	"cortex/app/service/learning"
	"cortex/app/service/tasks"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the assistant: HTTP ingress, message engine and background learning",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx, *configPath)
			if err != nil {
				return err
			}
			defer app.Close()

			return app.run(ctx)
		},
	}
}

func (a *application) run(ctx context.Context) error {
	engineSvc, err := do.Invoke[*engine.Service](a.di)
	if err != nil {
		return fmt.Errorf("failed to init engine: %w", err)
	}

	server, err := do.Invoke[*api.Server](a.di)
	if err != nil {
		return fmt.Errorf("failed to init http server: %w", err)
	}

	learningSvc, err := do.Invoke[*learning.Service](a.di)
	if err != nil {
		return fmt.Errorf("failed to init learning: %w", err)
	}

	taskStore := do.MustInvoke[*tasks.Store](a.di)
	sender := do.MustInvoke[telegram.Sender](a.di)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		engineSvc.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		learningSvc.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		notifyDone(groupCtx, taskStore.Done(), sender, a.cfg.Owner.ChatID)
		return nil
	})

	if a.cfg.Digest.Enabled {
		digestSvc := do.MustInvoke[*digest.Service](a.di)
		group.Go(func() error {
			digestSvc.Run(groupCtx)
			return nil
		})
	}

	slog.Info("Service started")

	<-groupCtx.Done()

	slog.Info("Shutting down...")

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- group.Wait()
	}()

	select {
	case err = <-waitErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(shutdownGrace):
		slog.Warn("Services did not stop in time", "grace", shutdownGrace)
		return nil
	}
}

// notifyDone tells the owner about every task marked done from the dashboard.
func notifyDone(ctx context.Context, events <-chan tasks.DoneEvent, sender telegram.Sender, chatID int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if chatID == 0 {
				continue
			}

			if err := sender.Send(ctx, chatID, "Task completed: "+event.Summary); err != nil {
				slog.Error("Failed to send task completion notice",
					"task_id", event.TaskID,
					"error", err,
				)
			}
		}
	}
}
