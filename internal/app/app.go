package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postrunner/internal/config"
	"postrunner/internal/eventbus"
	"postrunner/internal/limiter"
	"postrunner/internal/metrics"
	"postrunner/internal/model"
	"postrunner/internal/observability/debug"
	"postrunner/internal/orchestrator"
	"postrunner/internal/runtime/supervisor"
	"postrunner/internal/sticky"
	"postrunner/internal/storage"
	"postrunner/internal/trigger"
	logx "postrunner/pkg/logx"
)

var (
	ErrNoStore   = errors.New("storage is disabled; configure storage to load accounts")
	ErrRunActive = errors.New("a run is already in progress")
)

// App owns every long-lived service of the process and runs sessions.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Collector
	lim     *limiter.Limiter
	orch    *orchestrator.Orchestrator
	debug   *debug.Service

	mu      sync.Mutex
	current *orchestrator.Session
	last    *orchestrator.Summary
	trig    *trigger.Trigger
}

// New loads the config file and builds every service. Nothing runs until
// Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	bus := eventbus.New()
	logSvc, log := logx.New(mapLogConfig(cfg, progressObserver(bus)))
	log = log.With(logx.String("comp", "app"))

	policy, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	ttl, err := mapStickyTTL(cfg)
	if err != nil {
		return nil, err
	}
	factory, err := mapExecutor(cfg, log.With(logx.String("comp", "executor")))
	if err != nil {
		return nil, err
	}
	dbg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	col, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var (
		store   storage.Store
		journal orchestrator.Journal
	)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store, journal = st, st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	lim := limiter.New(policy, limiter.WithLogger(log.With(logx.String("comp", "limiter"))))
	orch, err := orchestrator.New(orchestrator.Deps{
		Limiter:  lim,
		Factory:  factory,
		Binder:   sticky.New(ttl, sticky.WithLogger(log.With(logx.String("comp", "sticky")))),
		Journal:  journal,
		Recorder: col,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "orchestrator")),
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: col,
		lim:     lim,
		orch:    orch,
	}
	a.debug = debug.New(dbg, col.Handler(), a.Health, log)
	return a, nil
}

// progressObserver forwards log entries to the bus as LogEntry events.
func progressObserver(bus eventbus.Bus) func(logx.Entry) {
	return func(e logx.Entry) {
		bus.Publish(eventbus.Event{Type: eventbus.LogEntry, Time: e.Time, Data: e})
	}
}

func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Store() storage.Store      { return a.store }
func (a *App) Bus() eventbus.Bus         { return a.bus }
func (a *App) Config() *config.Config    { return a.cfgm.Get() }
func (a *App) Limiter() *limiter.Limiter { return a.lim }

// Start runs the background services: config watch and reload, the event
// log, and the debug server.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return nil
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				if e.Type == eventbus.LogEntry {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("session", e.SessionID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
			coalesce:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break coalesce
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// applyConfig hot-applies logging, limiter policy and the debug server.
// Executor, storage and sticky changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg, progressObserver(a.bus)))

	if p, err := mapPolicy(newCfg); err != nil {
		a.log.Warn("invalid limiter config; keeping previous", logx.Err(err))
	} else {
		a.lim.Apply(p)
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	for _, s := range sections {
		switch s {
		case "executor", "storage", "sticky":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Accounts loads the account snapshot from the store.
func (a *App) Accounts(ctx context.Context) ([]model.Account, error) {
	if a.store == nil {
		return nil, ErrNoStore
	}
	return a.store.LoadAccounts(ctx)
}

// RunOnce runs one session over posts and every stored account. Canceling
// ctx requests a cooperative stop; the summary is still returned.
func (a *App) RunOnce(ctx context.Context, posts []model.Post) (orchestrator.Summary, error) {
	accounts, err := a.Accounts(ctx)
	if err != nil {
		return orchestrator.Summary{}, err
	}
	return a.run(ctx, posts, accounts)
}

func (a *App) run(ctx context.Context, posts []model.Post, accounts []model.Account) (orchestrator.Summary, error) {
	opts, err := mapOptions(a.cfgm.Get())
	if err != nil {
		return orchestrator.Summary{}, err
	}

	a.mu.Lock()
	if a.current != nil {
		a.mu.Unlock()
		return orchestrator.Summary{}, ErrRunActive
	}
	// Workers outlive ctx so a canceled caller still gets a drained summary.
	s, err := a.orch.Start(a.runContext(), posts, accounts, opts)
	if err != nil {
		a.mu.Unlock()
		return orchestrator.Summary{}, err
	}
	a.current = s
	a.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.log.Info("stop requested", logx.String("session", s.ID()))
			_ = s.RequestStop(context.Background())
		case <-s.Finished():
		}
		close(stopped)
	}()

	sum, err := s.Wait(context.Background())
	<-stopped

	a.mu.Lock()
	a.current = nil
	a.last = &sum
	a.mu.Unlock()
	return sum, err
}

func (a *App) runContext() context.Context {
	if a.sup != nil {
		return a.sup.Context()
	}
	return context.Background()
}

// RunScheduled fires RunOnce on spec until ctx is done. Each run reloads the
// posts file and the account snapshot. onSummary may be nil.
func (a *App) RunScheduled(ctx context.Context, spec, timezone, postsPath string, onSummary func(orchestrator.Summary)) error {
	tr, err := trigger.New(spec, timezone, func(runCtx context.Context) error {
		posts, err := config.LoadPosts(postsPath)
		if err != nil {
			return err
		}
		sum, err := a.RunOnce(runCtx, posts)
		if err != nil {
			return err
		}
		if onSummary != nil {
			onSummary(sum)
		}
		if !sum.Success {
			return fmt.Errorf("run %s finished with failures", sum.SessionID)
		}
		return nil
	}, a.log)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.trig = tr
	a.mu.Unlock()

	tr.Start(ctx)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	err = tr.Stop(stopCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// RequestStop asks the current session, if any, to stop cooperatively.
func (a *App) RequestStop(ctx context.Context) error {
	a.mu.Lock()
	s := a.current
	a.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.RequestStop(ctx)
}

// Health is the /healthz document.
func (a *App) Health() any {
	a.mu.Lock()
	s, last, tr := a.current, a.last, a.trig
	a.mu.Unlock()

	h := map[string]any{
		"status":         "idle",
		"ban_wave":       a.lim.ShouldPauseGlobally(),
		"recent_bans":    len(a.lim.RecentBans()),
		"storage_driver": "",
	}
	if a.store != nil {
		if cfg := a.cfgm.Get(); cfg != nil && cfg.Storage != nil {
			h["storage_driver"] = cfg.Storage.Driver
		}
	}
	if s != nil {
		st := s.Snapshot()
		h["status"] = string(st.Status)
		h["session"] = st
	}
	if last != nil {
		h["last_run"] = map[string]any{
			"session_id": last.SessionID,
			"status":     last.Status,
			"success":    last.Success,
			"finished":   last.Finished,
		}
	}
	if tr != nil {
		h["schedule"] = tr.Stats()
	}
	return h
}

// Stop shuts services down in reverse dependency order.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("session", 30*time.Second, a.RequestStop)
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, a.sup.Wait)
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
