package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	ran := make(chan struct{})
	s.Go("worker.a", func(ctx context.Context) error {
		defer close(ran)
		panic("boom")
	})
	<-ran

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "worker.a")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	require.Equal(t, uint64(1), snap.Goroutines[0].Panics)
	require.Equal(t, int64(0), snap.Counters.Active)
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))

	s.Go("fails", func(ctx context.Context) error { return errors.New("bad") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.EqualError(t, s.Wait(ctx), "fails: bad")
	require.Equal(t, uint64(2), s.Counters().Started)
}

func TestGoRestartUntilCleanExit(t *testing.T) {
	t.Parallel()
	s := New(context.Background())

	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	require.Equal(t, int32(3), runs.Load())

	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			require.Equal(t, uint64(2), g.Restarts)
		}
	}
}
