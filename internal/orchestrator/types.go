package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postrunner/internal/eventbus"
	"postrunner/internal/executor"
	"postrunner/internal/limiter"
	"postrunner/internal/model"
	"postrunner/internal/sticky"
	"postrunner/internal/storage"
	"postrunner/internal/worker"
	logx "postrunner/pkg/logx"
)

var (
	ErrConfig        = errors.New("invalid orchestration config")
	ErrNoAccounts    = errors.New("no accounts to schedule")
	ErrSessionClosed = errors.New("session already finished")
)

// Options are the per-run knobs of a session.
type Options struct {
	// MaxConcurrent bounds how many accounts hold a slot at once.
	MaxConcurrent int `json:"max_concurrent"`
	// AuthTimeout bounds the manual-login wait of each worker.
	AuthTimeout time.Duration `json:"auth_timeout"`
	// MaxAttempts caps failures per post before it is abandoned.
	// 0 means worker.DefaultMaxAttempts, negative means unbounded.
	MaxAttempts int `json:"max_attempts"`
	// PauseOnBanWave pauses new pulls once the limiter reports a ban wave.
	PauseOnBanWave bool `json:"pause_on_ban_wave"`
	// BanWaveCooldown resumes a ban-wave pause automatically. 0 waits for a
	// manual RequestResume.
	BanWaveCooldown time.Duration `json:"ban_wave_cooldown"`
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrent:   3,
		AuthTimeout:     worker.DefaultAuthTimeout,
		MaxAttempts:     worker.DefaultMaxAttempts,
		PauseOnBanWave:  true,
		BanWaveCooldown: 30 * time.Minute,
	}
}

func (o Options) validate() error {
	if o.MaxConcurrent < 1 {
		return fmt.Errorf("%w: max_concurrent must be >= 1 (got %d)", ErrConfig, o.MaxConcurrent)
	}
	if o.AuthTimeout < 0 {
		return fmt.Errorf("%w: auth_timeout must be >= 0", ErrConfig)
	}
	if o.BanWaveCooldown < 0 {
		return fmt.Errorf("%w: ban_wave_cooldown must be >= 0", ErrConfig)
	}
	return nil
}

// Recorder receives run metrics. metrics.Collector implements it.
type Recorder interface {
	PostResult(outcome string, took time.Duration)
	WorkerStarted()
	WorkerFinished(reason string)
	ReserveActivated()
	BanWave()
	QueueLength(n int)
	SessionFinished(status string)
}

type nopRecorder struct{}

func (nopRecorder) PostResult(string, time.Duration) {}
func (nopRecorder) WorkerStarted()                   {}
func (nopRecorder) WorkerFinished(string)            {}
func (nopRecorder) ReserveActivated()                {}
func (nopRecorder) BanWave()                         {}
func (nopRecorder) QueueLength(int)                  {}
func (nopRecorder) SessionFinished(string)           {}

// Journal is the write side of the account store.
type Journal interface {
	worker.SessionSaver
	AppendRun(ctx context.Context, run storage.Run) error
}

// Deps are the services shared by every session of an orchestrator.
type Deps struct {
	Limiter *limiter.Limiter
	Factory executor.Factory
	// Binder defaults to a fresh binder with sticky.DefaultTTL.
	Binder   *sticky.Binder
	Journal  Journal
	Recorder Recorder
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Status is the coarse lifecycle of a session.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// Summary is the aggregate returned when a session drains.
type Summary struct {
	SessionID            string                   `json:"session_id"`
	Status               Status                   `json:"status"`
	Success              bool                     `json:"success"`
	TotalAccounts        int                      `json:"total_accounts"`
	SuccessfulAccounts   int                      `json:"successful_accounts"`
	FailedAccounts       int                      `json:"failed_accounts"`
	TotalSuccessfulPosts int                      `json:"total_successful_posts"`
	TotalFailedPosts     int                      `json:"total_failed_posts"`
	PerTargetCounts      map[string]int           `json:"per_target_counts"`
	SkippedAccounts      []string                 `json:"skipped_accounts"`
	StoppedByUser        bool                     `json:"stopped_by_user"`
	Stopped              map[string]worker.Reason `json:"stopped,omitempty"`
	Accounts             []worker.Outcome         `json:"accounts"`
	Abandoned            []model.Post             `json:"abandoned,omitempty"`
	Remaining            []model.Post             `json:"remaining,omitempty"`
	Started              time.Time                `json:"started"`
	Finished             time.Time                `json:"finished"`
	Duration             time.Duration            `json:"duration"`
}

// Stats is a live view of a running session.
type Stats struct {
	SessionID       string `json:"session_id"`
	Status          Status `json:"status"`
	Queued          int    `json:"queued"`
	Active          int    `json:"active"`
	Reserve         int    `json:"reserve"`
	Stopped         int    `json:"stopped"`
	SuccessfulPosts int    `json:"successful_posts"`
	FailedPosts     int    `json:"failed_posts"`
}
