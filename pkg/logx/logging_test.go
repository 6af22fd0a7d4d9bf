package logx

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *collector) add(e Entry) {
	c.mu.Lock()
	c.entries = append(c.entries, e)
	c.mu.Unlock()
}

func (c *collector) all() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

func TestObserverReceivesEntries(t *testing.T) {
	var c collector
	svc, log := New(Config{
		Level:    "debug",
		Observer: ObserverConfig{Func: c.add, MinLevel: "info", RatePerSec: 100},
	})
	defer svc.Close()

	log = log.With(String("comp", "test"))
	log.Debug("hidden from observer")
	log.Info("worker started", String("account", "a1"), Int("slot", 2))
	log.Warn("post failed", Err(errors.New("boom")))

	got := c.all()
	require.Len(t, got, 2)
	require.Equal(t, "info", got[0].Level)
	require.Equal(t, "worker started", got[0].Message)
	require.Equal(t, "a1", got[0].Fields["account"])
	require.Equal(t, "test", got[0].Fields["comp"])
	require.False(t, got[0].Time.IsZero())
	require.Equal(t, "warn", got[1].Level)
	require.Equal(t, "boom", got[1].Fields["err"])
}

func TestObserverIsRateLimited(t *testing.T) {
	var c collector
	svc, log := New(Config{
		Level:    "info",
		Observer: ObserverConfig{Func: c.add, RatePerSec: 1},
	})
	defer svc.Close()

	for i := 0; i < 20; i++ {
		log.Info("burst")
	}
	require.Less(t, len(c.all()), 20)
}

func TestNopAndZeroLoggers(t *testing.T) {
	var zero Logger
	require.True(t, zero.IsZero())
	zero.Info("no panic")

	nop := Nop()
	require.False(t, nop.IsZero())
	nop.Error("discarded")
}

func TestNewWriterJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info")
	log.Debug("dropped")
	log.Info("kept", Bool("ok", true), Strs("skipped", []string{"a", "b"}))

	e, ok := decodeEntry(bytes.TrimSpace(buf.Bytes()))
	require.True(t, ok)
	require.Equal(t, "kept", e.Message)
	require.Equal(t, true, e.Fields["ok"])
	require.Equal(t, []any{"a", "b"}, e.Fields["skipped"])
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	require.Equal(t, LevelWarn, parseLevel("warning", LevelInfo))
	require.Equal(t, LevelInfo, parseLevel("bogus", LevelInfo))
	require.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
