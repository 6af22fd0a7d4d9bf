package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postrunner/internal/config"
	"postrunner/internal/model"
	"postrunner/internal/orchestrator"
)

const fastLimiter = `
limiter:
  action_delay: { min: 0s, max: 0s }
  startup_delay: { min: 0s, max: 0s }
  auth_poll_delay: { min: 0s, max: 0s }
`

func newTestApp(t *testing.T, extra string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	body := "logging:\n  level: error\n" + fastLimiter +
		"storage:\n  driver: file\n  path: " + filepath.Join(dir, "accounts.toml") + "\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	a, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopUnknown) })
	return a, dir
}

func TestRunOnceUsesStoredAccounts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, _ := newTestApp(t, "orchestrator:\n  max_concurrent: 2\n")
	require.NoError(t, a.Start(ctx))
	for _, id := range []string{"acc-1", "acc-2"} {
		require.NoError(t, a.Store().UpsertAccount(ctx, model.Account{ID: id}))
	}

	posts := []model.Post{
		{ID: "p1", Target: "g/1", Content: "a"},
		{ID: "p2", Target: "g/2", Content: "b"},
		{ID: "p3", Target: "g/1", Content: "c"},
	}
	sum, err := a.RunOnce(ctx, posts)
	require.NoError(t, err)
	require.True(t, sum.Success)
	require.Equal(t, 3, sum.TotalSuccessfulPosts)
	require.Equal(t, 2, sum.PerTargetCounts["g/1"])
	require.Equal(t, orchestrator.StatusCompleted, sum.Status)

	runs, err := a.Store().RecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, sum.SessionID, runs[0].SessionID)

	h, ok := a.Health().(map[string]any)
	require.True(t, ok)
	require.Equal(t, "idle", h["status"])
	require.Contains(t, h, "last_run")
}

func TestRunOnceWithoutAccounts(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, "")
	_, err := a.RunOnce(context.Background(), []model.Post{{Target: "t", Content: "c"}})
	require.ErrorIs(t, err, orchestrator.ErrNoAccounts)
}

func TestRunOnceRequiresStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n"), 0o600))

	a, err := New(path)
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	_, err = a.RunOnce(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoStore)
}

func TestCanceledRunStillSummarizes(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, "executor:\n  driver: dryrun\n  latency: 50ms\norchestrator:\n  max_concurrent: 1\n")
	require.NoError(t, a.Store().UpsertAccount(context.Background(), model.Account{ID: "acc"}))

	posts := make([]model.Post, 0, 20)
	for i := 0; i < 20; i++ {
		posts = append(posts, model.Post{Target: "t", Content: "c"})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	sum, err := a.RunOnce(ctx, posts)
	require.NoError(t, err)
	require.True(t, sum.StoppedByUser)
	require.Equal(t, orchestrator.StatusStopped, sum.Status)
	require.Less(t, sum.TotalSuccessfulPosts, 20)
	require.Equal(t, 20, sum.TotalSuccessfulPosts+len(sum.Remaining))
}

func TestRunScheduled(t *testing.T) {
	t.Parallel()

	a, dir := newTestApp(t, "")
	require.NoError(t, a.Store().UpsertAccount(context.Background(), model.Account{ID: "acc"}))
	postsPath := filepath.Join(dir, "posts.yaml")
	require.NoError(t, os.WriteFile(postsPath, []byte("- target: t\n  content: hello\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan orchestrator.Summary, 4)
	done := make(chan error, 1)
	go func() {
		done <- a.RunScheduled(ctx, "* * * * * *", "UTC", postsPath, func(s orchestrator.Summary) { got <- s })
	}()

	select {
	case sum := <-got:
		require.True(t, sum.Success)
		require.Equal(t, 1, sum.TotalSuccessfulPosts)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run did not fire")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  config.Config
		err  string
	}{
		{name: "empty ok", cfg: config.Config{}},
		{name: "negative concurrency", cfg: config.Config{Orchestrator: config.OrchestratorConfig{MaxConcurrent: -1}}, err: "max_concurrent"},
		{name: "bad auth timeout", cfg: config.Config{Orchestrator: config.OrchestratorConfig{AuthTimeout: "soon"}}, err: "orchestrator.auth_timeout"},
		{name: "inverted range", cfg: config.Config{Limiter: config.LimiterConfig{ActionDelay: &config.DelayRange{Min: "2m", Max: "1m"}}}, err: "limiter.action_delay"},
		{name: "negative cap", cfg: config.Config{Limiter: config.LimiterConfig{DailyPostCap: -2}}, err: "daily_post_cap"},
		{name: "unknown executor", cfg: config.Config{Executor: config.ExecutorConfig{Driver: "selenium"}}, err: "unknown executor.driver"},
		{name: "webhook without url", cfg: config.Config{Executor: config.ExecutorConfig{Driver: "webhook", Webhook: &config.WebhookConfig{}}}, err: "base url"},
		{name: "webhook missing", cfg: config.Config{Executor: config.ExecutorConfig{Driver: "webhook"}}, err: "executor.webhook is required"},
		{name: "sqlite without path", cfg: config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}}, err: "storage.path"},
		{name: "postgres without dsn", cfg: config.Config{Storage: &config.StorageConfig{Driver: "postgres"}}, err: "storage.dsn"},
		{name: "unknown storage", cfg: config.Config{Storage: &config.StorageConfig{Driver: "redis"}}, err: "unknown storage.driver"},
		{name: "bad schedule", cfg: config.Config{Schedule: config.ScheduleConfig{Spec: "whenever you like"}}, err: "trigger"},
		{name: "bad debug timeout", cfg: config.Config{Debug: config.DebugConfig{ReadTimeout: "x"}}, err: "debug.read_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.cfg
			err := validateConfig(context.Background(), &cfg)
			if tt.err == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.err), err.Error())
		})
	}
}

func TestMapOptionsAndPolicy(t *testing.T) {
	t.Parallel()

	off := false
	cfg := &config.Config{
		Orchestrator: config.OrchestratorConfig{MaxConcurrent: 5, MaxAttempts: -1, PauseOnBanWave: &off, BanWaveCooldown: "0s"},
		Limiter:      config.LimiterConfig{DailyPostCap: 7, WarmingDays: 3, ActionDelay: &config.DelayRange{Min: "1m", Max: "2m"}},
	}
	opts, err := mapOptions(cfg)
	require.NoError(t, err)
	require.Equal(t, 5, opts.MaxConcurrent)
	require.Equal(t, -1, opts.MaxAttempts)
	require.False(t, opts.PauseOnBanWave)
	require.Zero(t, opts.BanWaveCooldown)
	require.Equal(t, orchestrator.DefaultOptions().AuthTimeout, opts.AuthTimeout)

	p, err := mapPolicy(cfg)
	require.NoError(t, err)
	require.Equal(t, 7, p.DailyPostCap)
	require.Equal(t, 3, p.WarmingDays)
	require.Equal(t, time.Minute, p.ActionDelay.Min)
	require.Equal(t, 2*time.Minute, p.ActionDelay.Max)
	require.Equal(t, 30*time.Second, p.StartupDelay.Min)
}
