package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"postrunner/internal/eventbus"
	"postrunner/internal/limiter"
	"postrunner/internal/model"
	"postrunner/internal/queue"
	"postrunner/internal/runtime/supervisor"
	"postrunner/internal/storage"
	"postrunner/internal/worker"
	logx "postrunner/pkg/logx"
)

// Session is one orchestration run. It implements worker.Control.
type Session struct {
	id       string
	opts     Options
	deps     Deps
	log      logx.Logger
	q        *queue.Queue
	sup      *supervisor.Supervisor
	sem      chan struct{}
	accounts []model.Account
	started  time.Time

	stopReq  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	pmu        sync.Mutex
	paused     bool
	resumeCh   chan struct{}
	pauseTimer *time.Timer

	rmu     sync.Mutex
	reserve []model.Account

	smu     sync.Mutex
	stopped map[string]worker.Reason

	// wait-set: live counts spawned workers plus the spawner while Start runs.
	lmu    sync.Mutex
	live   int
	closed bool

	amu      sync.Mutex
	outcomes []worker.Outcome
	skipped  []string

	active    atomic.Int32
	succeeded atomic.Int64
	failed    atomic.Int64

	done    chan struct{}
	summary Summary
}

var _ worker.Control = (*Session)(nil)

func newSession(ctx context.Context, o *Orchestrator, id string, opts Options, q *queue.Queue, accounts, reserve []model.Account) *Session {
	log := o.log.With(logx.String("session", id))
	s := &Session{
		id:       id,
		opts:     opts,
		deps:     o.deps,
		log:      log,
		q:        q,
		sup:      newSupervisor(ctx, log),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		accounts: accounts,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
		reserve:  append([]model.Account(nil), reserve...),
		stopped:  map[string]worker.Reason{},
		done:     make(chan struct{}),
	}
	o.deps.Recorder.QueueLength(q.Len())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Options() Options { return s.opts }

// Done is closed when a global stop was requested.
func (s *Session) Done() <-chan struct{} { return s.stopCh }

func (s *Session) Stopping() bool { return s.stopReq.Load() }

// Finished is closed once the session drained and the summary is final.
func (s *Session) Finished() <-chan struct{} { return s.done }

// Wait blocks until the session drains or ctx ends.
func (s *Session) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-s.done:
		return s.summary, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// RequestStop sets the global stop flag and waits for in-flight workers to
// drain, bounded by ctx. In-flight actions are not interrupted.
func (s *Session) RequestStop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopReq.Store(true)
		close(s.stopCh)
		s.log.Info("stop requested", logx.Int("active", int(s.active.Load())))
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestPause gates new post pulls. Running actions finish normally.
func (s *Session) RequestPause() bool { return s.pause("manual") }

func (s *Session) RequestResume() bool { return s.resume("manual") }

func (s *Session) pause(cause string) bool {
	s.pmu.Lock()
	if s.paused || s.isDone() {
		s.pmu.Unlock()
		return false
	}
	s.paused = true
	s.resumeCh = make(chan struct{})
	s.pmu.Unlock()

	s.log.Info("session paused", logx.String("cause", cause))
	s.publish(eventbus.SessionPaused, map[string]any{"cause": cause})
	return true
}

func (s *Session) resume(cause string) bool {
	s.pmu.Lock()
	if !s.paused {
		s.pmu.Unlock()
		return false
	}
	s.paused = false
	close(s.resumeCh)
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
	s.pmu.Unlock()

	s.log.Info("session resumed", logx.String("cause", cause))
	s.publish(eventbus.SessionResumed, map[string]any{"cause": cause})
	return true
}

func (s *Session) WaitResumed(ctx context.Context) bool {
	for {
		s.pmu.Lock()
		if !s.paused {
			s.pmu.Unlock()
			return !s.Stopping() && ctx.Err() == nil
		}
		ch := s.resumeCh
		s.pmu.Unlock()

		select {
		case <-ch:
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// AddPost appends a post to the running session. When fewer workers than
// MaxConcurrent are alive, one reserve account is activated to pick it up.
func (s *Session) AddPost(p model.Post) (model.Post, error) {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return model.Post{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	// Pushed under lmu: once closed is set no post enters the queue.
	s.lmu.Lock()
	if s.closed || s.Stopping() {
		s.lmu.Unlock()
		return model.Post{}, ErrSessionClosed
	}
	s.q.Push(p)
	live := s.live
	s.lmu.Unlock()

	s.deps.Recorder.QueueLength(s.q.Len())
	s.log.Info("post added", logx.String("post", p.ID), logx.String("target", p.DisplayName))
	if live < s.opts.MaxConcurrent {
		s.activateReserve("post added")
	}
	return p, nil
}

// StopAccount marks the account stopped and backfills its slot. Repeated
// calls for the same id are no-ops.
func (s *Session) StopAccount(accountID string, reason worker.Reason) {
	if !s.markStopped(accountID, reason) {
		return
	}
	s.log.Warn("account stopped", logx.String("account", accountID), logx.String("reason", string(reason)))
	s.publish(eventbus.AccountStopped, map[string]any{"account": accountID, "reason": string(reason)})
	if reason == worker.ReasonRestricted {
		s.checkBanWave()
	}
	s.activateReserve("replace " + accountID)
}

// ActivateOnLimit backfills one reserve account for an account that ran out
// of daily budget while work is still queued.
func (s *Session) ActivateOnLimit(accountName string) {
	if s.q.Len() == 0 {
		return
	}
	s.activateReserve("limit " + accountName)
}

func (s *Session) markStopped(id string, reason worker.Reason) bool {
	s.smu.Lock()
	defer s.smu.Unlock()
	if _, ok := s.stopped[id]; ok {
		return false
	}
	s.stopped[id] = reason
	return true
}

func (s *Session) activateReserve(cause string) bool {
	if s.Stopping() {
		return false
	}
	s.rmu.Lock()
	if len(s.reserve) == 0 {
		s.rmu.Unlock()
		s.log.Debug("reserve pool empty", logx.String("cause", cause))
		return false
	}
	acc := s.reserve[0]
	s.reserve = s.reserve[1:]
	s.rmu.Unlock()

	if !s.spawn(acc, s.deps.Limiter.DelayBetween(limiter.DelayStartup), true) {
		s.rmu.Lock()
		s.reserve = append([]model.Account{acc}, s.reserve...)
		s.rmu.Unlock()
		return false
	}
	s.deps.Recorder.ReserveActivated()
	s.log.Info("reserve activated", logx.String("account", acc.Label()), logx.String("cause", cause))
	s.publish(eventbus.ReserveActivated, map[string]any{"account": acc.ID, "cause": cause})
	return true
}

func (s *Session) checkBanWave() {
	if !s.opts.PauseOnBanWave || !s.deps.Limiter.ShouldPauseGlobally() {
		return
	}
	bans := s.deps.Limiter.RecentBans()
	s.deps.Recorder.BanWave()
	s.log.Warn("ban wave detected", logx.Int("bans", len(bans)), logx.Duration("cooldown", s.opts.BanWaveCooldown))
	s.publish(eventbus.BanWave, bans)
	if !s.pause("ban_wave") {
		return
	}
	if s.opts.BanWaveCooldown <= 0 {
		return
	}
	s.pmu.Lock()
	if s.paused && s.pauseTimer == nil {
		s.pauseTimer = time.AfterFunc(s.opts.BanWaveCooldown, func() { s.resume("cooldown") })
	}
	s.pmu.Unlock()
}

// spawn schedules acc after delay. It reports false once the session has
// drained.
func (s *Session) spawn(acc model.Account, delay time.Duration, fromReserve bool) bool {
	if !s.enter() {
		return false
	}
	s.sup.Go(workerName(acc), func(ctx context.Context) error {
		defer s.leave()
		if !s.sleep(ctx, delay) || !s.acquire(ctx) {
			s.skip(acc)
			return nil
		}
		defer s.release()

		s.deps.Recorder.WorkerStarted()
		s.publish(eventbus.WorkerStarted, map[string]any{"account": acc.ID, "reserve": fromReserve})
		w := worker.New(acc, workerConfig(s.opts), worker.Deps{
			Queue:   s.q,
			Limiter: s.deps.Limiter,
			Binder:  s.deps.Binder,
			Factory: s.deps.Factory,
			Control: s,
			Saver:   s.deps.Journal,
			Hooks:   worker.Hooks{OnResult: s.onResult},
			Log:     s.log,
		})

		started := time.Now()
		defer func() {
			if r := recover(); r != nil {
				s.StopAccount(acc.ID, worker.ReasonPanic)
				s.record(worker.Outcome{
					AccountID: acc.ID,
					Name:      acc.Label(),
					State:     worker.StateStopped,
					StateName: worker.StateStopped.String(),
					Reason:    worker.ReasonPanic,
					Error:     fmt.Sprint(r),
					Reserve:   fromReserve,
					Started:   started,
					Finished:  time.Now(),
				})
				// re-panic so the supervisor records it
				panic(r)
			}
		}()

		out := w.Run(ctx)
		out.Reserve = fromReserve
		s.record(out)
		return nil
	})
	return true
}

func (s *Session) enter() bool {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	if s.closed {
		return false
	}
	s.live++
	return true
}

func (s *Session) leave() {
	s.lmu.Lock()
	s.live--
	last := s.live == 0
	if last {
		s.closed = true
	}
	s.lmu.Unlock()
	if last {
		s.finalize()
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !s.Stopping() && ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Session) acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
	case <-s.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
	if s.Stopping() || ctx.Err() != nil {
		<-s.sem
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Session) release() {
	s.active.Add(-1)
	<-s.sem
}

func (s *Session) skip(acc model.Account) {
	s.amu.Lock()
	s.skipped = append(s.skipped, acc.ID)
	s.amu.Unlock()
	s.log.Debug("account skipped", logx.String("account", acc.Label()))
}

func (s *Session) record(out worker.Outcome) {
	s.amu.Lock()
	s.outcomes = append(s.outcomes, out)
	s.amu.Unlock()
	if out.Reason.IsError() {
		s.markStopped(out.AccountID, out.Reason)
	}
	s.deps.Recorder.WorkerFinished(string(out.Reason))
	s.deps.Recorder.QueueLength(s.q.Len())
	s.publish(eventbus.WorkerFinished, out)
}

func (s *Session) onResult(acc model.Account, p model.Post, err error, took time.Duration, abandoned bool) {
	outcome := "success"
	switch {
	case err == nil:
		s.succeeded.Add(1)
		s.publish(eventbus.PostSucceeded, map[string]any{"account": acc.ID, "post": p.ID, "target": p.Target})
	case abandoned:
		outcome = "abandoned"
		s.failed.Add(1)
		s.publish(eventbus.PostAbandoned, map[string]any{"account": acc.ID, "post": p.ID, "attempts": p.Attempts, "error": err.Error()})
	default:
		outcome = "failed"
		s.failed.Add(1)
		s.publish(eventbus.PostFailed, map[string]any{"account": acc.ID, "post": p.ID, "attempts": p.Attempts, "error": err.Error()})
	}
	s.deps.Recorder.PostResult(outcome, took)
	s.deps.Recorder.QueueLength(s.q.Len())
}

func (s *Session) publish(typ string, data any) {
	s.deps.Bus.Publish(eventbus.Event{Type: typ, SessionID: s.id, Time: time.Now(), Data: data})
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) status() Status {
	switch {
	case s.isDone():
		return s.summary.Status
	case s.Stopping():
		return StatusStopping
	}
	s.pmu.Lock()
	paused := s.paused
	s.pmu.Unlock()
	if paused {
		return StatusPaused
	}
	return StatusRunning
}

// Snapshot returns live counters.
func (s *Session) Snapshot() Stats {
	s.rmu.Lock()
	reserve := len(s.reserve)
	s.rmu.Unlock()
	s.smu.Lock()
	stopped := len(s.stopped)
	s.smu.Unlock()
	return Stats{
		SessionID:       s.id,
		Status:          s.status(),
		Queued:          s.q.Len(),
		Active:          int(s.active.Load()),
		Reserve:         reserve,
		Stopped:         stopped,
		SuccessfulPosts: int(s.succeeded.Load()),
		FailedPosts:     int(s.failed.Load()),
	}
}

// Supervisor exposes worker goroutine stats for debugging.
func (s *Session) Supervisor() supervisor.Snapshot { return s.sup.Snapshot() }

func (s *Session) finalize() {
	s.pmu.Lock()
	if s.pauseTimer != nil {
		s.pauseTimer.Stop()
		s.pauseTimer = nil
	}
	s.pmu.Unlock()

	sum := s.aggregate()
	s.persist(sum)
	s.deps.Recorder.SessionFinished(string(sum.Status))
	s.deps.Recorder.QueueLength(len(sum.Remaining))

	fields := []logx.Field{
		logx.String("status", string(sum.Status)),
		logx.Bool("success", sum.Success),
		logx.Int("successful_posts", sum.TotalSuccessfulPosts),
		logx.Int("failed_posts", sum.TotalFailedPosts),
		logx.Int("remaining", len(sum.Remaining)),
		logx.Duration("took", sum.Duration),
	}
	if len(sum.SkippedAccounts) > 0 {
		fields = append(fields, logx.Strs("skipped", sum.SkippedAccounts))
	}
	if sum.Success {
		s.log.Info("session finished", fields...)
	} else {
		s.log.Warn("session finished", fields...)
	}

	s.summary = sum
	s.publish(eventbus.SessionFinished, sum)
	close(s.done)
	s.sup.Cancel()
}

func (s *Session) aggregate() Summary {
	finished := time.Now()
	sum := Summary{
		SessionID:       s.id,
		Status:          StatusCompleted,
		TotalAccounts:   len(s.accounts),
		PerTargetCounts: map[string]int{},
		StoppedByUser:   s.Stopping(),
		Stopped:         map[string]worker.Reason{},
		Remaining:       s.q.Snapshot(),
		Started:         s.started,
		Finished:        finished,
		Duration:        finished.Sub(s.started),
	}
	if sum.StoppedByUser {
		sum.Status = StatusStopped
	}

	order := make(map[string]int, len(s.accounts))
	for i, a := range s.accounts {
		order[a.ID] = i
	}

	s.amu.Lock()
	sum.Accounts = append([]worker.Outcome(nil), s.outcomes...)
	skipped := append([]string(nil), s.skipped...)
	s.amu.Unlock()

	s.rmu.Lock()
	for _, a := range s.reserve {
		skipped = append(skipped, a.ID)
	}
	s.rmu.Unlock()

	s.smu.Lock()
	for id, r := range s.stopped {
		sum.Stopped[id] = r
	}
	s.smu.Unlock()

	sort.SliceStable(sum.Accounts, func(i, j int) bool {
		return order[sum.Accounts[i].AccountID] < order[sum.Accounts[j].AccountID]
	})
	sort.SliceStable(skipped, func(i, j int) bool { return order[skipped[i]] < order[skipped[j]] })
	sum.SkippedAccounts = skipped

	for _, o := range sum.Accounts {
		sum.TotalSuccessfulPosts += len(o.Successful)
		sum.TotalFailedPosts += len(o.Failed)
		for _, p := range o.Successful {
			sum.PerTargetCounts[p.Target]++
		}
		sum.Abandoned = append(sum.Abandoned, o.Abandoned...)
		if o.Reason.IsError() {
			sum.FailedAccounts++
		} else {
			sum.SuccessfulAccounts++
		}
	}
	sum.Success = sum.FailedAccounts == 0 && sum.TotalFailedPosts == 0
	return sum
}

func (s *Session) persist(sum Summary) {
	if s.deps.Journal == nil {
		return
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		s.log.Warn("encode run summary failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.deps.Journal.AppendRun(ctx, storage.Run{
		SessionID:       sum.SessionID,
		Status:          string(sum.Status),
		Success:         sum.Success,
		StartedAt:       sum.Started,
		FinishedAt:      sum.Finished,
		Accounts:        sum.TotalAccounts,
		SuccessfulPosts: sum.TotalSuccessfulPosts,
		FailedPosts:     sum.TotalFailedPosts,
		Summary:         payload,
	})
	if err != nil {
		s.log.Warn("append run failed", logx.Err(err))
	}
}
