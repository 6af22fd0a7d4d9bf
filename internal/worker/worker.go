package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"postrunner/internal/executor"
	"postrunner/internal/limiter"
	"postrunner/internal/model"
	"postrunner/internal/sticky"
	logx "postrunner/pkg/logx"
)

// Deps are the shared services one worker uses.
type Deps struct {
	Queue   Source
	Limiter *limiter.Limiter
	Binder  *sticky.Binder
	Factory executor.Factory
	Control Control
	Saver   SessionSaver
	Hooks   Hooks
	Log     logx.Logger
}

// Worker drives one account through INIT → AUTH → ACTIVE → {STOPPED | COMPLETED}.
type Worker struct {
	acc   model.Account
	cfg   Config
	deps  Deps
	log   logx.Logger
	state atomic.Int32
}

func New(acc model.Account, cfg Config, deps Deps) *Worker {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Worker{
		acc:  acc,
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "worker"), logx.String("account", acc.Label())),
	}
}

func (w *Worker) Account() model.Account { return w.acc }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run executes the worker to completion. Per-account failures never escape as
// errors; they are reported through the returned Outcome.
func (w *Worker) Run(ctx context.Context) Outcome {
	out := Outcome{AccountID: w.acc.ID, Name: w.acc.Label(), Started: time.Now()}
	w.setState(StateInit)

	var egress sticky.Session
	if w.deps.Binder != nil {
		egress = w.deps.Binder.Resolve(w.acc.ID, w.acc.ProxyRef)
	}
	ex, err := w.deps.Factory.New(ctx, w.acc, egress)
	if err != nil {
		return w.finish(out, StateStopped, ReasonSetup, err)
	}
	defer func() {
		if cerr := ex.Close(); cerr != nil {
			w.log.Warn("executor close failed", logx.Err(cerr))
		}
	}()

	w.setState(StateAuth)
	if reason := w.authenticate(ctx, ex); reason != "" {
		if reason == ReasonAuthTimeout {
			return w.finish(out, StateStopped, reason, nil)
		}
		return w.finish(out, StateCompleted, reason, nil)
	}
	w.saveSession(ctx, ex)

	w.setState(StateActive)
	st, reason, err := w.loop(ctx, ex, &out)
	return w.finish(out, st, reason, err)
}

func (w *Worker) finish(out Outcome, st State, reason Reason, err error) Outcome {
	w.setState(st)
	out.State = st
	out.StateName = st.String()
	out.Reason = reason
	if err != nil {
		out.Error = err.Error()
	}
	out.Finished = time.Now()

	fields := []logx.Field{
		logx.String("state", st.String()),
		logx.String("reason", string(reason)),
		logx.Int("successful", len(out.Successful)),
		logx.Int("failed", len(out.Failed)),
		logx.Duration("took", out.Finished.Sub(out.Started)),
	}
	if err != nil {
		fields = append(fields, logx.Err(err))
	}
	if reason.IsError() {
		w.log.Warn("worker finished", fields...)
	} else {
		w.log.Info("worker finished", fields...)
	}
	return out
}

// authenticate returns "" once the probe succeeds, or the reason the wait
// ended without a session.
func (w *Worker) authenticate(ctx context.Context, ex executor.Executor) Reason {
	// Every probe runs under the auth deadline.
	authCtx, cancel := context.WithTimeout(ctx, w.cfg.AuthTimeout)
	defer cancel()

	for i := 0; ; i++ {
		ok, err := ex.IsAuthenticated(authCtx, w.acc)
		if ok {
			if i > 0 {
				w.log.Info("authenticated after manual intervention", logx.Int("polls", i))
			}
			return ""
		}
		if ctx.Err() != nil {
			return ReasonCanceled
		}
		if authCtx.Err() != nil {
			return ReasonAuthTimeout
		}
		if err != nil {
			w.log.Warn("auth probe failed", logx.Err(err))
		} else if i == 0 {
			w.log.Warn("session not authenticated; waiting for manual login", logx.Duration("timeout", w.cfg.AuthTimeout))
		}

		d := w.deps.Limiter.DelayBetween(limiter.DelayAuthPoll)
		if d < w.cfg.MinAuthPoll {
			d = w.cfg.MinAuthPoll
		}
		poll := time.NewTimer(d)
		select {
		case <-ctx.Done():
			poll.Stop()
			return ReasonCanceled
		case <-w.deps.Control.Done():
			poll.Stop()
			return ReasonGlobalStop
		case <-authCtx.Done():
			poll.Stop()
			if ctx.Err() != nil {
				return ReasonCanceled
			}
			return ReasonAuthTimeout
		case <-poll.C:
		}
	}
}

func (w *Worker) saveSession(ctx context.Context, ex executor.Executor) {
	exp, ok := ex.(executor.SessionExporter)
	if !ok || w.deps.Saver == nil {
		return
	}
	material, err := exp.ExportSession(ctx)
	if err != nil {
		w.log.Warn("export session failed", logx.Err(err))
		return
	}
	if material == "" {
		return
	}
	if err := w.deps.Saver.SaveSession(ctx, w.acc.ID, material); err != nil {
		w.log.Warn("save session failed", logx.Err(err))
	}
}

func (w *Worker) loop(ctx context.Context, ex executor.Executor, out *Outcome) (State, Reason, error) {
	ctrl := w.deps.Control
	lim := w.deps.Limiter
	q := w.deps.Queue

	for {
		if ctrl.Stopping() {
			return StateCompleted, ReasonGlobalStop, nil
		}
		if ctx.Err() != nil {
			return StateCompleted, ReasonCanceled, nil
		}
		if !lim.CanPerform(w.acc, model.ActionPost) {
			if q.Len() > 0 {
				ctrl.ActivateOnLimit(w.acc.Label())
			}
			return StateCompleted, ReasonCapReached, nil
		}
		if !ctrl.WaitResumed(ctx) {
			continue
		}
		p, ok := q.Take()
		if !ok {
			return StateCompleted, ReasonQueueExhausted, nil
		}

		start := time.Now()
		err := w.execute(ctx, ex, p)
		took := time.Since(start)

		if err == nil {
			out.Successful = append(out.Successful, p)
			lim.RecordAction(w.acc.ID, model.ActionPost)
			w.result(p, nil, took, false)
			w.log.Info("post done", logx.String("post", p.ID), logx.String("target", p.DisplayName), logx.Duration("took", took))
			w.sleep(ctx, lim.DelayBetween(limiter.DelayAction))
			continue
		}

		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			q.ReturnFront(p)
			return StateCompleted, ReasonCanceled, nil
		}

		p.Attempts++
		abandoned := w.cfg.MaxAttempts > 0 && p.Attempts >= w.cfg.MaxAttempts
		if abandoned {
			out.Abandoned = append(out.Abandoned, p)
		} else {
			q.ReturnFront(p)
		}
		out.Failed = append(out.Failed, p)

		reason := ReasonActionFailed
		if executor.IsRestricted(err) {
			reason = ReasonRestricted
			lim.RecordBan(w.acc.ID, string(ReasonRestricted))
			lim.MarkBanned(w.acc.ID)
		}
		w.result(p, err, took, abandoned)
		w.log.Warn("post failed",
			logx.String("post", p.ID),
			logx.Int("attempts", p.Attempts),
			logx.Bool("abandoned", abandoned),
			logx.Err(err),
		)
		ctrl.StopAccount(w.acc.ID, reason)
		return StateStopped, reason, err
	}
}

// execute turns an executor panic into an ordinary failure so the post is
// requeued instead of lost.
func (w *Worker) execute(ctx context.Context, ex executor.Executor, p model.Post) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return ex.Execute(ctx, p)
}

func (w *Worker) result(p model.Post, err error, took time.Duration, abandoned bool) {
	if w.deps.Hooks.OnResult != nil {
		w.deps.Hooks.OnResult(w.acc, p, err, took, abandoned)
	}
}

// sleep waits d unless ctx ends or a global stop is requested.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.deps.Control.Done():
		return false
	case <-t.C:
		return true
	}
}
