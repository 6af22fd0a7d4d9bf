package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"postrunner/internal/app"
	"postrunner/internal/model"
	"postrunner/internal/storage"
)

func newAccountsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "accounts",
		Aliases: []string{"account"},
		Short:   "Manage stored accounts",
	}
	cmd.AddCommand(newAccountsListCmd(root), newAccountsAddCmd(root))
	return cmd
}

func newAccountsListCmd(root *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app.App) error {
				accs, err := a.Accounts(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(accs)
				}
				if len(accs) == 0 {
					_, err := fmt.Fprintln(out, "no accounts")
					return err
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tPROXY\tPOST CAP\tACTION CAP\tWARMING SINCE")
				for _, acc := range accs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						acc.ID, acc.Name, dash(acc.ProxyRef),
						capString(acc.DailyPostCap), capString(acc.DailyActionCap),
						dateString(acc.WarmingStarted))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print accounts as JSON")
	return cmd
}

type accountAddFlags struct {
	id             string
	name           string
	session        string
	proxy          string
	postCap        int
	actionCap      int
	warmingStarted string
}

func newAccountsAddCmd(root *rootFlags) *cobra.Command {
	flags := &accountAddFlags{}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add or replace a stored account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			acc := model.Account{
				ID:             flags.id,
				Name:           flags.name,
				SessionRef:     flags.session,
				ProxyRef:       flags.proxy,
				DailyPostCap:   flags.postCap,
				DailyActionCap: flags.actionCap,
			}
			if s := strings.TrimSpace(flags.warmingStarted); s != "" {
				t, err := parseDate(s)
				if err != nil {
					return fmt.Errorf("--warming-started: %w", err)
				}
				acc.WarmingStarted = t
			}
			acc = acc.Normalize()
			if err := acc.Validate(); err != nil {
				return err
			}
			return withApp(cmd, root, func(a *app.App) error {
				store := a.Store()
				if store == nil {
					return app.ErrNoStore
				}
				if err := store.UpsertAccount(cmd.Context(), acc); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "account %s saved\n", acc.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&flags.id, "id", "", "account id (required)")
	cmd.Flags().StringVar(&flags.name, "name", "", "display name (defaults to id)")
	cmd.Flags().StringVar(&flags.session, "session", "", "stored session material reference")
	cmd.Flags().StringVar(&flags.proxy, "proxy", "", "proxy reference")
	cmd.Flags().IntVar(&flags.postCap, "post-cap", 0, "per-account daily post cap (0 uses limiter.daily_post_cap)")
	cmd.Flags().IntVar(&flags.actionCap, "action-cap", 0, "per-account daily action cap (0 uses limiter.daily_action_cap)")
	cmd.Flags().StringVar(&flags.warmingStarted, "warming-started", "", "warming start date (YYYY-MM-DD or RFC3339)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newRunsCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded runs",
	}
	var (
		limit  int
		asJSON bool
	)
	list := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, root, func(a *app.App) error {
				store := a.Store()
				if store == nil {
					return app.ErrNoStore
				}
				runs, err := store.RecentRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printRuns(cmd, runs, asJSON)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs")
	list.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	cmd.AddCommand(list)
	return cmd
}

func printRuns(cmd *cobra.Command, runs []storage.Run, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		// Summaries are large; the list view keeps only the counters.
		for i := range runs {
			runs[i].Summary = nil
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, err := fmt.Fprintln(out, "no runs")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tSUCCESS\tACCOUNTS\tPOSTS OK\tPOSTS FAILED\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			r.SessionID, r.Status, r.Success, r.Accounts,
			r.SuccessfulPosts, r.FailedPosts, r.FinishedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func capString(n int) string {
	if n <= 0 {
		return "default"
	}
	return fmt.Sprint(n)
}

func dateString(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.DateOnly)
}
