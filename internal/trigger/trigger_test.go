package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "postrunner/pkg/logx"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{raw: "*/5 * * * *", want: "*/5 * * * *"},
		{raw: "cron:0 9 * * *", want: "0 9 * * *"},
		{raw: "@daily", want: "@daily"},
		{raw: "90m", want: "@every 1h30m0s"},
		{raw: "interval:45s", want: "@every 45s"},
		{raw: "09:30", want: "30 9 * * *"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.raw)
		require.NoError(t, err, tt.raw)
		require.Equal(t, tt.want, got, tt.raw)
	}

	for _, bad := range []string{"", "24:00", "interval:nope", "-5m"} {
		_, err := Normalize(bad)
		require.Error(t, err, bad)
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	run := func(context.Context) error { return nil }

	_, err := New("not a schedule", "", run, logx.Nop())
	require.Error(t, err)
	_, err = New("@daily", "Mars/Olympus", run, logx.Nop())
	require.Error(t, err)
	_, err = New("@daily", "", nil, logx.Nop())
	require.Error(t, err)
}

func TestNextHonoursTimezone(t *testing.T) {
	t.Parallel()

	tr, err := New("09:00", "UTC", func(context.Context) error { return nil }, logx.Nop())
	require.NoError(t, err)
	from := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC), tr.Next(from))
}

func TestFireSkipsWhileRunning(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var calls atomic.Int32
	tr, err := New("@yearly", "UTC", func(ctx context.Context) error {
		calls.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return errors.New("boom")
	}, logx.Nop())
	require.NoError(t, err)

	tr.Start(context.Background())
	tr.Start(context.Background())
	tr.fire()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	tr.fire()
	tr.fire()

	st := tr.Stats()
	require.True(t, st.Running)
	require.Equal(t, 1, st.Runs)
	require.Equal(t, 2, st.Skipped)
	require.False(t, st.NextRun.IsZero())

	close(release)
	require.Eventually(t, func() bool { return !tr.Stats().Running }, time.Second, 5*time.Millisecond)
	st = tr.Stats()
	require.Equal(t, 1, st.Failed)
	require.Equal(t, "boom", st.LastErr)

	tr.fire()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tr.Stop(ctx)
	require.False(t, tr.Stats().Running)
	tr.fire()
	require.EqualValues(t, 2, calls.Load())
}

func TestCronFires(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr, err := New("* * * * * *", "", func(context.Context) error {
		calls.Add(1)
		return nil
	}, logx.Nop())
	require.NoError(t, err)

	tr.Start(context.Background())
	defer func() { _ = tr.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
}
