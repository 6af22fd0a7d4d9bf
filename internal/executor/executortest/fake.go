// Package executortest provides a scriptable in-memory executor for tests.
package executortest

import (
	"context"
	"sync"
	"time"

	"postrunner/internal/executor"
	"postrunner/internal/model"
	"postrunner/internal/sticky"
)

// Call records one Execute invocation.
type Call struct {
	AccountID string
	Post      model.Post
	Err       error
}

// Factory builds fake executors. Zero value: every account authenticates and
// every post succeeds immediately.
type Factory struct {
	// Auth decides the result of the probe-th IsAuthenticated call (0-based).
	Auth func(acc model.Account, probe int) (bool, error)
	// Exec decides the result of executing p as acc.
	Exec func(acc model.Account, p model.Post) error
	// Latency is slept inside Execute, ignoring ctx like a real in-flight action.
	Latency time.Duration
	// AuthHang makes IsAuthenticated block until its ctx ends.
	AuthHang bool
	// Session, when set, is returned by ExportSession.
	Session string

	mu        sync.Mutex
	calls     []Call
	egress    map[string]sticky.Session
	live      int
	maxLive   int
	created   int
	closed    int
	newErrFor map[string]error
}

var _ executor.Factory = (*Factory)(nil)

// FailNew makes New fail for accountID.
func (f *Factory) FailNew(accountID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErrFor == nil {
		f.newErrFor = map[string]error{}
	}
	f.newErrFor[accountID] = err
}

func (f *Factory) New(_ context.Context, acc model.Account, egress sticky.Session) (executor.Executor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.newErrFor[acc.ID]; err != nil {
		return nil, err
	}
	if f.egress == nil {
		f.egress = map[string]sticky.Session{}
	}
	f.egress[acc.ID] = egress
	f.created++
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return &fake{f: f, acc: acc}, nil
}

// Calls returns Execute invocations in order.
func (f *Factory) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// MaxLive is the highest number of executors open at the same time.
func (f *Factory) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Created and Closed count executor lifecycles.
func (f *Factory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func (f *Factory) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Egress returns the sticky session handed to the executor of accountID.
func (f *Factory) Egress(accountID string) (sticky.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.egress[accountID]
	return s, ok
}

type fake struct {
	f      *Factory
	acc    model.Account
	probes int
	closed bool
}

func (e *fake) IsAuthenticated(ctx context.Context, acc model.Account) (bool, error) {
	n := e.probes
	e.probes++
	if e.f.AuthHang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if e.f.Auth == nil {
		return true, nil
	}
	return e.f.Auth(acc, n)
}

func (e *fake) Execute(_ context.Context, p model.Post) error {
	if e.f.Latency > 0 {
		time.Sleep(e.f.Latency)
	}
	var err error
	if e.f.Exec != nil {
		err = e.f.Exec(e.acc, p)
	}
	e.f.mu.Lock()
	e.f.calls = append(e.f.calls, Call{AccountID: e.acc.ID, Post: p, Err: err})
	e.f.mu.Unlock()
	return err
}

func (e *fake) ExportSession(context.Context) (string, error) { return e.f.Session, nil }

func (e *fake) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.f.mu.Lock()
	e.f.live--
	e.f.closed++
	e.f.mu.Unlock()
	return nil
}
