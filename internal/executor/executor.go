package executor

import (
	"context"
	"errors"
	"fmt"

	"postrunner/internal/model"
	"postrunner/internal/sticky"
)

var ErrRestricted = errors.New("target imposed a restriction")

// Executor performs actions for exactly one account.
//
// Implementations own whatever isolated context they need (a browser
// profile, an HTTP client with a pinned proxy...). Action timeouts are the
// executor's business; the scheduler never preempts Execute.
type Executor interface {
	// IsAuthenticated probes whether the account session is usable.
	IsAuthenticated(ctx context.Context, acc model.Account) (bool, error)
	// Execute performs one post. A nil error is success. Wrap with
	// Restricted when the target blocked or limited the account.
	Execute(ctx context.Context, p model.Post) error
	Close() error
}

// SessionExporter is implemented by executors that can hand back refreshed
// session material after a successful authentication.
type SessionExporter interface {
	ExportSession(ctx context.Context) (string, error)
}

// Factory creates the executor a worker will own for its whole run.
type Factory interface {
	New(ctx context.Context, acc model.Account, egress sticky.Session) (Executor, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, acc model.Account, egress sticky.Session) (Executor, error)

func (f FactoryFunc) New(ctx context.Context, acc model.Account, egress sticky.Session) (Executor, error) {
	return f(ctx, acc, egress)
}

// Restricted marks err as a target-imposed restriction.
//
// Example:
//
//	return executor.Restricted(fmt.Errorf("action blocked: %s", banner))
func Restricted(err error) error {
	if err == nil {
		err = ErrRestricted
	}
	return restrictedError{err: err}
}

// IsRestricted reports whether err carries a restriction marker.
func IsRestricted(err error) bool {
	if err == nil {
		return false
	}
	var r restrictedError
	return errors.As(err, &r) || errors.Is(err, ErrRestricted)
}

type restrictedError struct{ err error }

func (e restrictedError) Error() string { return fmt.Sprintf("restricted: %v", e.err) }
func (e restrictedError) Unwrap() error { return e.err }
func (e restrictedError) Is(target error) bool {
	return target == ErrRestricted
}
