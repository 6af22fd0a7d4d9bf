package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"postrunner/internal/app"
	"postrunner/internal/config"
	"postrunner/internal/orchestrator"
	logx "postrunner/pkg/logx"
	"postrunner/pkg/systemd"
)

var errRunFailed = errors.New("run finished with failures")

type runFlags struct {
	posts    string
	schedule string
	timezone string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the posts file once, or on a schedule",
		Long: "Run loads every stored account and drains the posts file. With --schedule (or schedule.spec in the config) " +
			"it keeps running and starts a new session on every firing. SIGINT or SIGTERM requests a cooperative stop; " +
			"the summary is printed as JSON either way.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app.App) error {
				return runCommand(cmd, a, flags)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.posts, "posts", "p", "", "posts file (json or yaml); defaults to schedule.posts")
	cmd.Flags().StringVar(&flags.schedule, "schedule", "", "cron spec, descriptor, duration or HH:MM for recurring runs")
	cmd.Flags().StringVar(&flags.timezone, "timezone", "", "timezone for --schedule (default: schedule.timezone or local)")
	return cmd
}

func runCommand(cmd *cobra.Command, a *app.App, flags *runFlags) error {
	cfg := a.Config()
	postsPath := strings.TrimSpace(flags.posts)
	if postsPath == "" {
		postsPath = strings.TrimSpace(cfg.Schedule.Posts)
	}
	if postsPath == "" {
		return errors.New("--posts is required")
	}
	spec := strings.TrimSpace(flags.schedule)
	if spec == "" {
		spec = strings.TrimSpace(cfg.Schedule.Spec)
	}
	tz := strings.TrimSpace(flags.timezone)
	if tz == "" {
		tz = cfg.Schedule.Timezone
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	log := a.Logger()
	if _, err := systemd.Ready(); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	}
	defer func() { _, _ = systemd.Stopping() }()

	out := cmd.OutOrStdout()
	if spec != "" {
		_, _ = systemd.Status("scheduled: %s", spec)
		return a.RunScheduled(ctx, spec, tz, postsPath, func(sum orchestrator.Summary) {
			if err := printSummary(out, sum); err != nil {
				log.Warn("print summary failed", logx.Err(err))
			}
		})
	}

	posts, err := config.LoadPosts(postsPath)
	if err != nil {
		return err
	}
	_, _ = systemd.Status("running %d posts", len(posts))
	sum, err := a.RunOnce(ctx, posts)
	if err != nil {
		return err
	}
	if err := printSummary(out, sum); err != nil {
		return err
	}
	if !sum.Success {
		return errRunFailed
	}
	return nil
}

func printSummary(w io.Writer, sum orchestrator.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	return nil
}

