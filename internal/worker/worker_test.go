package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postrunner/internal/executor"
	"postrunner/internal/executor/executortest"
	"postrunner/internal/limiter"
	"postrunner/internal/model"
	"postrunner/internal/queue"
	"postrunner/internal/sticky"
)

type fakeControl struct {
	mu          sync.Mutex
	stopped     map[string]Reason
	activations []string
	stopOnce    sync.Once
	done        chan struct{}
}

func newControl() *fakeControl {
	return &fakeControl{stopped: map[string]Reason{}, done: make(chan struct{})}
}

func (c *fakeControl) StopAccount(id string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stopped[id]; !ok {
		c.stopped[id] = reason
	}
}

func (c *fakeControl) ActivateOnLimit(name string) {
	c.mu.Lock()
	c.activations = append(c.activations, name)
	c.mu.Unlock()
}

func (c *fakeControl) stop() { c.stopOnce.Do(func() { close(c.done) }) }

func (c *fakeControl) Stopping() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeControl) Done() <-chan struct{} { return c.done }

func (c *fakeControl) WaitResumed(ctx context.Context) bool {
	return ctx.Err() == nil && !c.Stopping()
}

type memSaver struct {
	mu    sync.Mutex
	saved map[string]string
}

func (s *memSaver) SaveSession(_ context.Context, id, material string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string]string{}
	}
	s.saved[id] = material
	return nil
}

func posts(ids ...string) []model.Post {
	out := make([]model.Post, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Post{ID: id, Target: "t-" + id, DisplayName: "t-" + id, Content: "hello"})
	}
	return out
}

func ids(ps []model.Post) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.ID)
	}
	return out
}

type harness struct {
	q    *queue.Queue
	lim  *limiter.Limiter
	ctrl *fakeControl
	f    *executortest.Factory
}

func newHarness(ps []model.Post, p limiter.Policy) *harness {
	return &harness{
		q:    queue.New(ps),
		lim:  limiter.New(p),
		ctrl: newControl(),
		f:    &executortest.Factory{},
	}
}

func (h *harness) worker(acc model.Account, cfg Config, saver SessionSaver) *Worker {
	return New(acc, cfg, Deps{
		Queue:   h.q,
		Limiter: h.lim,
		Binder:  sticky.New(time.Hour),
		Factory: h.f,
		Control: h.ctrl,
		Saver:   saver,
	})
}

func TestWorkerDrainsQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1", "p2", "p3"), limiter.Policy{})
	h.f.Session = "fresh-cookie"
	saver := &memSaver{}

	out := h.worker(model.Account{ID: "a", Name: "alice", ProxyRef: "px1"}, Config{}, saver).Run(context.Background())

	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, ReasonQueueExhausted, out.Reason)
	require.Equal(t, []string{"p1", "p2", "p3"}, ids(out.Successful))
	require.Empty(t, out.Failed)
	require.Equal(t, 0, h.q.Len())
	require.Equal(t, 3, h.lim.Snapshot("a").Posts)
	require.Equal(t, "fresh-cookie", saver.saved["a"])
	require.Equal(t, 1, h.f.Closed())

	egress, ok := h.f.Egress("a")
	require.True(t, ok)
	require.Equal(t, "px1", egress.ProxyID)
	require.NotEmpty(t, egress.SessionID)
}

func TestWorkerFailureRequeuesAtFront(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1", "p2", "p3"), limiter.Policy{})
	h.f.Exec = func(_ model.Account, p model.Post) error {
		if p.ID == "p2" {
			return errors.New("selector not found")
		}
		return nil
	}

	out := h.worker(model.Account{ID: "a"}, Config{}, nil).Run(context.Background())

	require.Equal(t, StateStopped, out.State)
	require.Equal(t, ReasonActionFailed, out.Reason)
	require.Equal(t, "selector not found", out.Error)
	require.Equal(t, []string{"p1"}, ids(out.Successful))
	require.Equal(t, []string{"p2"}, ids(out.Failed))
	require.Equal(t, ReasonActionFailed, h.ctrl.stopped["a"])

	next, ok := h.q.Take()
	require.True(t, ok)
	require.Equal(t, "p2", next.ID)
	require.Equal(t, 1, next.Attempts)
	require.False(t, h.lim.ShouldPauseGlobally())
}

func TestWorkerRestrictionRecordsBan(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{BanThreshold: 1})
	h.f.Exec = func(model.Account, model.Post) error {
		return executor.Restricted(errors.New("action blocked"))
	}

	out := h.worker(model.Account{ID: "a"}, Config{}, nil).Run(context.Background())

	require.Equal(t, ReasonRestricted, out.Reason)
	require.True(t, h.lim.IsBanned("a"))
	require.True(t, h.lim.ShouldPauseGlobally())
	require.Equal(t, ReasonRestricted, h.ctrl.stopped["a"])
}

func TestWorkerAbandonsAtAttemptCap(t *testing.T) {
	t.Parallel()
	ps := posts("p1")
	ps[0].Attempts = 2
	h := newHarness(ps, limiter.Policy{})
	h.f.Exec = func(model.Account, model.Post) error { return errors.New("boom") }

	out := h.worker(model.Account{ID: "a"}, Config{MaxAttempts: 3}, nil).Run(context.Background())

	require.Equal(t, []string{"p1"}, ids(out.Abandoned))
	require.Equal(t, 0, h.q.Len())
}

func TestWorkerUnboundedAttempts(t *testing.T) {
	t.Parallel()
	ps := posts("p1")
	ps[0].Attempts = 50
	h := newHarness(ps, limiter.Policy{})
	h.f.Exec = func(model.Account, model.Post) error { return errors.New("boom") }

	out := h.worker(model.Account{ID: "a"}, Config{MaxAttempts: -1}, nil).Run(context.Background())

	require.Empty(t, out.Abandoned)
	require.Equal(t, 1, h.q.Len())
}

func TestWorkerCapReachedActivatesReserve(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1", "p2", "p3"), limiter.Policy{})

	out := h.worker(model.Account{ID: "a", Name: "alice", DailyPostCap: 2}, Config{}, nil).Run(context.Background())

	require.Equal(t, StateCompleted, out.State)
	require.Equal(t, ReasonCapReached, out.Reason)
	require.Len(t, out.Successful, 2)
	require.Equal(t, []string{"alice"}, h.ctrl.activations)
	require.Empty(t, h.ctrl.stopped)
}

func TestWorkerCapReachedWithEmptyQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{})

	out := h.worker(model.Account{ID: "a", DailyPostCap: 1}, Config{}, nil).Run(context.Background())

	require.Equal(t, ReasonCapReached, out.Reason)
	require.Empty(t, h.ctrl.activations)
}

func TestWorkerWarmingAccountNeverPosts(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{WarmingDays: 10})
	acc := model.Account{ID: "a", WarmingStarted: time.Now().Add(-72 * time.Hour)}

	out := h.worker(acc, Config{}, nil).Run(context.Background())

	require.Equal(t, ReasonCapReached, out.Reason)
	require.Empty(t, h.f.Calls())
	require.Equal(t, 1, h.q.Len())
}

func TestWorkerAuthTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1", "p2"), limiter.Policy{})
	h.f.Auth = func(model.Account, int) (bool, error) { return false, nil }

	out := h.worker(model.Account{ID: "a"}, Config{AuthTimeout: 80 * time.Millisecond, MinAuthPoll: 5 * time.Millisecond}, nil).Run(context.Background())

	require.Equal(t, StateStopped, out.State)
	require.Equal(t, ReasonAuthTimeout, out.Reason)
	require.Empty(t, h.f.Calls())
	require.Equal(t, 2, h.q.Len())
	require.Empty(t, h.ctrl.stopped)
	require.Empty(t, h.ctrl.activations)
}

func TestWorkerAuthTimeoutBoundsHangingProbe(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{})
	h.f.AuthHang = true

	start := time.Now()
	out := h.worker(model.Account{ID: "a"}, Config{AuthTimeout: 50 * time.Millisecond, MinAuthPoll: time.Millisecond}, nil).Run(context.Background())

	require.Equal(t, ReasonAuthTimeout, out.Reason)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, 1, h.q.Len())
}

func TestWorkerAuthAfterManualLogin(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{})
	h.f.Auth = func(_ model.Account, probe int) (bool, error) {
		if probe == 0 {
			return false, errors.New("probe flaked")
		}
		return probe >= 2, nil
	}

	out := h.worker(model.Account{ID: "a"}, Config{AuthTimeout: time.Second, MinAuthPoll: time.Millisecond}, nil).Run(context.Background())

	require.Equal(t, ReasonQueueExhausted, out.Reason)
	require.Len(t, out.Successful, 1)
}

func TestWorkerGlobalStopDuringAuth(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{})
	h.f.Auth = func(model.Account, int) (bool, error) { return false, nil }
	w := h.worker(model.Account{ID: "a"}, Config{AuthTimeout: time.Minute, MinAuthPoll: time.Millisecond}, nil)

	done := make(chan Outcome, 1)
	go func() { done <- w.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	h.ctrl.stop()

	select {
	case out := <-done:
		require.Equal(t, StateCompleted, out.State)
		require.Equal(t, ReasonGlobalStop, out.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe global stop")
	}
}

func TestWorkerGlobalStopInterruptsActionDelay(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1", "p2"), limiter.Policy{
		ActionDelay: limiter.Range{Min: time.Hour, Max: time.Hour},
	})
	w := h.worker(model.Account{ID: "a"}, Config{}, nil)

	done := make(chan Outcome, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.f.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	h.ctrl.stop()

	select {
	case out := <-done:
		require.Equal(t, ReasonGlobalStop, out.Reason)
		require.Len(t, out.Successful, 1)
		require.Equal(t, 1, h.q.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not observe global stop")
	}
}

func TestWorkerSetupFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(posts("p1"), limiter.Policy{})
	h.f.FailNew("a", errors.New("no browser"))

	out := h.worker(model.Account{ID: "a"}, Config{}, nil).Run(context.Background())

	require.Equal(t, StateStopped, out.State)
	require.Equal(t, ReasonSetup, out.Reason)
	require.True(t, out.Reason.IsError())
	require.Equal(t, 1, h.q.Len())
}

func TestReasonIsError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		r    Reason
		want bool
	}{
		{ReasonAuthTimeout, true},
		{ReasonActionFailed, true},
		{ReasonRestricted, true},
		{ReasonPanic, true},
		{ReasonCapReached, false},
		{ReasonQueueExhausted, false},
		{ReasonGlobalStop, false},
		{ReasonCanceled, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(string(tt.r), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.r.IsError())
		})
	}
}
