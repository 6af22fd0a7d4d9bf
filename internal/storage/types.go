package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"postrunner/internal/model"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": accounts TOML file plus JSON Lines journals next to it
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL, DSN required
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the account store used by the orchestrator and the CLI.
type Store interface {
	// LoadAccounts returns a snapshot of every account, sorted by id.
	LoadAccounts(ctx context.Context) ([]model.Account, error)
	UpsertAccount(ctx context.Context, acc model.Account) error
	// SaveSession persists refreshed session material for an account.
	SaveSession(ctx context.Context, accountID, material string) error
	AppendRun(ctx context.Context, run Run) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// Run is the persisted record of one finished session.
type Run struct {
	SessionID       string          `json:"session_id"`
	Status          string          `json:"status"`
	Success         bool            `json:"success"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Accounts        int             `json:"accounts"`
	SuccessfulPosts int             `json:"successful_posts"`
	FailedPosts     int             `json:"failed_posts"`
	Summary         json.RawMessage `json:"summary,omitempty"`
}
