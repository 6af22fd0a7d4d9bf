package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"postrunner/internal/eventbus"
	"postrunner/internal/limiter"
	"postrunner/internal/model"
	"postrunner/internal/queue"
	"postrunner/internal/runtime/supervisor"
	"postrunner/internal/sticky"
	"postrunner/internal/worker"
	logx "postrunner/pkg/logx"
)

// Orchestrator starts sessions over a shared limiter, binder and executor
// factory. It holds no per-run state; every Start returns an independent
// Session.
type Orchestrator struct {
	deps Deps
	log  logx.Logger
}

func New(deps Deps) (*Orchestrator, error) {
	if deps.Limiter == nil {
		return nil, fmt.Errorf("%w: limiter is required", ErrConfig)
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("%w: executor factory is required", ErrConfig)
	}
	if deps.Binder == nil {
		deps.Binder = sticky.New(sticky.DefaultTTL)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Orchestrator{deps: deps, log: deps.Log.With(logx.String("comp", "orchestrator"))}, nil
}

func (o *Orchestrator) Limiter() *limiter.Limiter { return o.deps.Limiter }

// Start validates the run, seeds the queue and spawns the active accounts.
// Only configuration problems are returned as errors; no worker is spawned
// when Start fails.
func (o *Orchestrator) Start(ctx context.Context, posts []model.Post, accounts []model.Account, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	accs, err := normalizeAccounts(accounts)
	if err != nil {
		return nil, err
	}
	ps, err := normalizePosts(posts)
	if err != nil {
		return nil, err
	}

	n := opts.MaxConcurrent
	if n > len(accs) {
		n = len(accs)
	}
	active, reserve := accs[:n], accs[n:]

	s := newSession(ctx, o, uuid.NewString(), opts, queue.New(ps), accs, reserve)
	s.log.Info("session started",
		logx.Int("posts", len(ps)),
		logx.Int("accounts", len(accs)),
		logx.Int("max_concurrent", opts.MaxConcurrent),
		logx.Int("reserve", len(reserve)),
	)
	s.publish(eventbus.SessionStarted, map[string]any{
		"posts":    len(ps),
		"accounts": len(accs),
		"reserve":  len(reserve),
	})

	// The spawner holds its own membership so a fast first worker cannot
	// drain the session before the rest are scheduled.
	s.enter()
	var delay time.Duration
	for i, acc := range active {
		if i > 0 {
			delay += o.deps.Limiter.DelayBetween(limiter.DelayStartup)
		}
		s.spawn(acc, delay, false)
	}
	s.leave()
	return s, nil
}

// Run starts a session and waits for it to drain.
func (o *Orchestrator) Run(ctx context.Context, posts []model.Post, accounts []model.Account, opts Options) (Summary, error) {
	s, err := o.Start(ctx, posts, accounts, opts)
	if err != nil {
		return Summary{}, err
	}
	return s.Wait(ctx)
}

func normalizeAccounts(in []model.Account) ([]model.Account, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, ErrNoAccounts)
	}
	out := make([]model.Account, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, a := range in {
		a = a.Normalize()
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("%w: accounts[%d]: %w", ErrConfig, i, err)
		}
		if _, dup := seen[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate account id %q", ErrConfig, a.ID)
		}
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}

func normalizePosts(in []model.Post) ([]model.Post, error) {
	out := make([]model.Post, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, p := range in {
		p = p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%w: posts[%d]: %w", ErrConfig, i, err)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate post id %q", ErrConfig, p.ID)
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func workerName(acc model.Account) string { return "worker." + acc.ID }

func newSupervisor(ctx context.Context, log logx.Logger) *supervisor.Supervisor {
	return supervisor.New(ctx, supervisor.WithLogger(log))
}

func workerConfig(opts Options) worker.Config {
	return worker.Config{AuthTimeout: opts.AuthTimeout, MaxAttempts: opts.MaxAttempts}
}
