// Package trigger fires recurring runs on a cron schedule.
//
// A firing is skipped while the previous run is still in progress.
package trigger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "postrunner/internal/runtime/supervisor"
	logx "postrunner/pkg/logx"
)

// RunFunc performs one run. The context is canceled when the trigger stops.
type RunFunc func(ctx context.Context) error

// Stats is a snapshot of trigger activity.
type Stats struct {
	Spec     string    `json:"spec"`
	Runs     int       `json:"runs"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Running  bool      `json:"running"`
	LastRun  time.Time `json:"last_run,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	Timezone string    `json:"timezone"`
}

type Trigger struct {
	log  logx.Logger
	run  RunFunc
	spec string
	loc  *time.Location
	sch  cron.Schedule

	mu      sync.Mutex
	c       *cron.Cron
	entry   cron.EntryID
	sup     *rtsup.Supervisor
	running bool
	stats   Stats
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New parses raw and returns a stopped trigger. Accepted forms:
//   - cron expressions, optionally prefixed with "cron:"
//   - descriptors such as "@daily" or "@every 6h"
//   - Go durations ("90m", "interval:2h") meaning "@every <d>"
//   - "HH:MM" meaning once a day at that time
func New(raw, timezone string, run RunFunc, log logx.Logger) (*Trigger, error) {
	if run == nil {
		return nil, fmt.Errorf("trigger: run func is required")
	}
	spec, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	sch, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("trigger: parse %q: %w", raw, err)
	}
	loc, err := loadLocation(timezone)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Trigger{
		log:   log.With(logx.String("comp", "trigger")),
		run:   run,
		spec:  spec,
		loc:   loc,
		sch:   sch,
		stats: Stats{Spec: spec, Timezone: loc.String()},
	}, nil
}

// Normalize converts the accepted schedule forms into a cron spec.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return "", fmt.Errorf("trigger: empty schedule")
	case strings.HasPrefix(s, "cron:"):
		return strings.TrimSpace(strings.TrimPrefix(s, "cron:")), nil
	case strings.HasPrefix(s, "interval:"):
		s = strings.TrimSpace(strings.TrimPrefix(s, "interval:"))
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return "", fmt.Errorf("trigger: invalid interval %q", s)
		}
		return "@every " + d.String(), nil
	case strings.HasPrefix(s, "@"):
		return s, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return "", fmt.Errorf("trigger: interval must be > 0")
		}
		return "@every " + d.String(), nil
	}
	if strings.Count(s, ":") == 1 && !strings.Contains(s, " ") {
		h, m, err := parseHHMM(s)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	}
	return s, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("trigger: timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Next returns the next firing after t.
func (t *Trigger) Next(after time.Time) time.Time { return t.sch.Next(after.In(t.loc)) }

// Start is idempotent.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil {
		return
	}
	t.sup = rtsup.New(ctx, rtsup.WithLogger(t.log), rtsup.WithCancelOnError(false))
	t.c = cron.New(cron.WithParser(parser), cron.WithLocation(t.loc))
	t.entry = t.c.Schedule(t.sch, cron.FuncJob(t.fire))
	t.c.Start()
	t.log.Info("trigger started", logx.String("spec", t.spec), logx.String("tz", t.loc.String()), logx.Time("next", t.Next(time.Now())))
}

// Stop halts the schedule, cancels an in-flight run and waits for it to
// return (bounded by ctx).
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	c, sup := t.c, t.sup
	t.c, t.sup = nil, nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	<-c.Stop().Done()
	err := sup.Stop(ctx)
	t.log.Info("trigger stopped")
	return err
}

func (t *Trigger) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats
	st.Running = t.running
	if t.c != nil {
		st.NextRun = t.c.Entry(t.entry).Next
	}
	return st
}

// fire starts one run unless the previous one is still going.
func (t *Trigger) fire() {
	t.mu.Lock()
	if t.sup == nil {
		t.mu.Unlock()
		return
	}
	if t.running {
		t.stats.Skipped++
		t.mu.Unlock()
		t.log.Warn("run skipped (previous run still running)")
		return
	}
	t.running = true
	t.stats.Runs++
	t.stats.LastRun = time.Now()
	sup := t.sup
	n := t.stats.Runs
	t.mu.Unlock()

	sup.Go(fmt.Sprintf("trigger.run.%d", n), func(ctx context.Context) error {
		start := time.Now()
		var err error
		defer func() {
			t.mu.Lock()
			t.running = false
			if err != nil {
				t.stats.Failed++
				t.stats.LastErr = err.Error()
			} else {
				t.stats.LastErr = ""
			}
			t.mu.Unlock()
		}()
		t.log.Info("scheduled run started", logx.Int("run", n))
		err = t.run(ctx)
		if err != nil {
			t.log.Error("scheduled run failed", logx.Int("run", n), logx.Duration("took", time.Since(start)), logx.Err(err))
			return err
		}
		t.log.Info("scheduled run finished", logx.Int("run", n), logx.Duration("took", time.Since(start)))
		return nil
	})
}
