package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"postrunner/internal/app"
)

const defaultConfigPath = "./config.yaml"

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "postrunner",
		Short:         "Run a shared post backlog across many accounts",
		Long:          "postrunner drives a pool of accounts through a shared queue of posts with bounded concurrency, per-account activity limits and a reserve pool that backfills stopped accounts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", defaultConfigPath, "path to config file (json or yaml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newRunCmd(flags),
		newAccountsCmd(flags),
		newRunsCmd(flags),
	)
	return rootCmd
}

// withApp builds the app, runs fn and always stops the app afterwards.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(a *app.App) error) (err error) {
	a, err := app.New(flags.configPath)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := a.Stop(ctx, app.StopRunFinished); err == nil {
			err = serr
		}
	}()
	return fn(a)
}
