package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"halftimebot/internal/app"
	"halftimebot/internal/config"
)

const stopTimeout = 10 * time.Second

type rootFlags struct {
	cfgPath string
	envPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "halftimebot",
		Short:         "Schedules halftime and end-of-game prop checks for NBA games",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.LoadDotenv(f.envPath)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), f)
		},
	}
	root.PersistentFlags().StringVar(&f.cfgPath, "config", "./config.yaml", "path to config yaml/json")
	root.PersistentFlags().StringVar(&f.envPath, "env", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the daily scheduler, milestone timers and API until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), f)
			},
		},
		newDiscoverCmd(f),
		newPicksCmd(f),
		newExportCmd(f),
	)
	return root
}

func serve(parent context.Context, f *rootFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(f.cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
