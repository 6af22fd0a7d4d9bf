package executor

import (
	"context"
	"time"

	"postrunner/internal/model"
	"postrunner/internal/sticky"
	logx "postrunner/pkg/logx"
)

// DryRun is an executor that logs actions instead of performing them.
type DryRun struct {
	acc     model.Account
	egress  sticky.Session
	latency time.Duration
	log     logx.Logger
}

// NewDryRunFactory returns a Factory whose executors always authenticate and
// succeed after latency.
func NewDryRunFactory(latency time.Duration, log logx.Logger) Factory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return FactoryFunc(func(_ context.Context, acc model.Account, egress sticky.Session) (Executor, error) {
		return &DryRun{
			acc:     acc,
			egress:  egress,
			latency: latency,
			log:     log.With(logx.String("account", acc.Label())),
		}, nil
	})
}

func (d *DryRun) IsAuthenticated(context.Context, model.Account) (bool, error) { return true, nil }

func (d *DryRun) Execute(ctx context.Context, p model.Post) error {
	if d.latency > 0 {
		t := time.NewTimer(d.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	d.log.Info("dry-run post",
		logx.String("post", p.ID),
		logx.String("target", p.Target),
		logx.String("proxy", d.egress.ProxyID),
		logx.String("sticky", d.egress.SessionID),
	)
	return nil
}

func (d *DryRun) Close() error { return nil }
