package worker

import (
	"context"
	"time"

	"postrunner/internal/model"
)

// State is the lifecycle position of one account worker.
type State int32

const (
	StateInit State = iota
	StateAuth
	StateActive
	StateStopped
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAuth:
		return "auth"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Reason explains why a worker reached its terminal state.
type Reason string

const (
	ReasonAuthTimeout    Reason = "auth_timeout"
	ReasonActionFailed   Reason = "action_failed"
	ReasonRestricted     Reason = "restricted"
	ReasonCapReached     Reason = "cap_reached"
	ReasonQueueExhausted Reason = "queue_exhausted"
	ReasonGlobalStop     Reason = "global_stop"
	ReasonCanceled       Reason = "canceled"
	ReasonPanic          Reason = "panic"
	ReasonSetup          Reason = "setup_failed"
)

// IsError reports whether the reason counts against the run's success flag.
func (r Reason) IsError() bool {
	switch r {
	case ReasonAuthTimeout, ReasonActionFailed, ReasonRestricted, ReasonPanic, ReasonSetup:
		return true
	}
	return false
}

// Control is the scheduler surface a worker holds.
type Control interface {
	// StopAccount marks the account stopped and backfills its slot from the
	// reserve pool. Calling it twice for the same id is a no-op.
	StopAccount(accountID string, reason Reason)
	// ActivateOnLimit backfills one reserve account without stopping anyone.
	ActivateOnLimit(accountName string)
	// Stopping reports whether a global stop was requested.
	Stopping() bool
	// Done is closed when a global stop is requested.
	Done() <-chan struct{}
	// WaitResumed blocks while the session is paused. It returns false when
	// the wait ended because of a stop or ctx.
	WaitResumed(ctx context.Context) bool
}

// Source is the shared work queue as seen by a worker.
type Source interface {
	Take() (model.Post, bool)
	ReturnFront(p model.Post)
	Len() int
}

// SessionSaver persists refreshed session material after authentication.
type SessionSaver interface {
	SaveSession(ctx context.Context, accountID, material string) error
}

// Config carries per-run worker settings.
type Config struct {
	// AuthTimeout bounds the manual-intervention wait in AUTH.
	AuthTimeout time.Duration
	// MaxAttempts caps how many times one post may fail before it is
	// abandoned instead of requeued. Negative disables the cap.
	MaxAttempts int
	// MinAuthPoll is the floor for the auth poll interval.
	MinAuthPoll time.Duration
}

const (
	DefaultAuthTimeout = 5 * time.Minute
	DefaultMaxAttempts = 3
	defaultMinAuthPoll = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MinAuthPoll <= 0 {
		c.MinAuthPoll = defaultMinAuthPoll
	}
	return c
}

// Hooks are optional callbacks fired from the worker goroutine.
type Hooks struct {
	OnResult func(acc model.Account, p model.Post, err error, took time.Duration, abandoned bool)
}

// Outcome is the record a worker hands back to the orchestrator.
type Outcome struct {
	AccountID  string       `json:"account_id"`
	Name       string       `json:"name"`
	State      State        `json:"-"`
	StateName  string       `json:"state"`
	Reason     Reason       `json:"reason"`
	Error      string       `json:"error,omitempty"`
	Reserve    bool         `json:"reserve,omitempty"`
	Successful []model.Post `json:"successful,omitempty"`
	Failed     []model.Post `json:"failed,omitempty"`
	Abandoned  []model.Post `json:"abandoned,omitempty"`
	Started    time.Time    `json:"started"`
	Finished   time.Time    `json:"finished"`
}

// Stopped reports whether the worker ended in an error state.
func (o Outcome) Stopped() bool { return o.State == StateStopped }
