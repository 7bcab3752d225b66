package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mikeydub/untappd-announcer/announcer"
	"github.com/mikeydub/untappd-announcer/env"
	"github.com/mikeydub/untappd-announcer/service/logger"
	sentryutil "github.com/mikeydub/untappd-announcer/service/sentry"
)

func main() {
	defer func() {
		if err := recover(); err != nil {
			sentry.CurrentHub().Recover(err)
			sentry.Flush(2 * time.Second)

			// Re-raise error
			panic(err)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()

	cmd := &cobra.Command{
		Use:   "announcer",
		Short: "Announces Untappd check-ins to chat",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			announcer.SetDefaults()
			ctx := cmd.Context()
			logger.InitWithDefaults(env.GetString(ctx, "ENV"))
			if err := sentryutil.Init(env.GetString(ctx, "SENTRY_DSN"), env.GetString(ctx, "ENV")); err != nil {
				logger.For(ctx).Errorf("failed to start sentry: %s", err)
			}
			return nil
		},
		RunE:         serve.RunE,
		SilenceUsage: true,
	}

	cmd.AddCommand(serve)
	cmd.AddCommand(newFetchCommand())
	cmd.AddCommand(newNukeCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command endpoint and the announcer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := announcer.NewApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.StartAnnouncing(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:    fmt.Sprintf(":%d", env.GetInt(ctx, "PORT")),
				Handler: app.Router,
			}

			errs := make(chan error, 1)
			go func() {
				logger.For(ctx).Infof("listening on %s", srv.Addr)
				errs <- srv.ListenAndServe()
			}()

			select {
			case err := <-errs:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.For(ctx).Info("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			defer sentry.Flush(2 * time.Second)

			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newFetchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Sync every registered user once and print what's new",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := announcer.NewApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			lines, err := app.Announcer.RunNow(ctx)
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}
}

func newNukeCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Forget every association and watermark",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to nuke without --yes")
			}

			ctx := cmd.Context()

			app, err := announcer.NewApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Registry.ResetAll(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "forgot every association in %s\n", viper.GetString("REDIS_URL"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all data")

	return cmd
}
