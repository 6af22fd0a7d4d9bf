package limiter

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"postrunner/internal/model"
	logx "postrunner/pkg/logx"
)

const dayLayout = "2006-01-02"

// Limiter gates and paces account actions.
//
// Counters, bans and the RNG each have their own lock so that a worker
// sampling a delay never waits on another worker recording an action.
type Limiter struct {
	pmu    sync.RWMutex
	policy Policy

	mu      sync.Mutex
	records map[string]*Record
	banned  map[string]time.Time

	bmu  sync.Mutex
	bans []BanEvent

	rmu sync.Mutex
	rng *rand.Rand

	now func() time.Time
	log logx.Logger
}

type Option func(*Limiter)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRand overrides the delay RNG (tests).
func WithRand(rng *rand.Rand) Option {
	return func(l *Limiter) {
		if rng != nil {
			l.rng = rng
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func New(p Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policy:  p.withDefaults(),
		records: map[string]*Record{},
		banned:  map[string]time.Time{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

// Apply swaps the policy at runtime. Counters and bans are kept.
func (l *Limiter) Apply(p Policy) {
	p = p.withDefaults()
	l.pmu.Lock()
	l.policy = p
	l.pmu.Unlock()
	l.log.Info("limiter policy applied",
		logx.Int("post_cap", p.DailyPostCap),
		logx.Int("action_cap", p.DailyActionCap),
		logx.Int("warming_days", p.WarmingDays),
		logx.Int("ban_threshold", p.BanThreshold),
	)
}

func (l *Limiter) Policy() Policy {
	l.pmu.RLock()
	p := l.policy
	l.pmu.RUnlock()
	return p
}

// Warming reports whether acc is still inside its warming window.
func (l *Limiter) Warming(acc model.Account) bool {
	p := l.Policy()
	return l.warming(p, acc, l.now())
}

func (l *Limiter) warming(p Policy, acc model.Account, now time.Time) bool {
	if p.WarmingDays <= 0 || acc.WarmingStarted.IsZero() {
		return false
	}
	return now.Sub(acc.WarmingStarted) < time.Duration(p.WarmingDays)*24*time.Hour
}

// CanPerform reports whether acc may perform one more action of type t today.
func (l *Limiter) CanPerform(acc model.Account, t model.ActionType) bool {
	p := l.Policy()
	now := l.now()
	id := strings.TrimSpace(acc.ID)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.banned[id]; ok {
		return false
	}
	rec := l.recordLocked(id, now)

	if l.warming(p, acc, now) {
		if t == model.ActionPost {
			return false
		}
		return rec.Total() < p.WarmingActionCap
	}

	if t == model.ActionPost {
		postCap := p.DailyPostCap
		if acc.DailyPostCap > 0 {
			postCap = acc.DailyPostCap
		}
		if rec.Posts >= postCap {
			return false
		}
	}
	actionCap := p.DailyActionCap
	if acc.DailyActionCap > 0 {
		actionCap = acc.DailyActionCap
	}
	return rec.Total() < actionCap
}

func (l *Limiter) RecordAction(accountID string, t model.ActionType) {
	now := l.now()
	l.mu.Lock()
	l.recordLocked(strings.TrimSpace(accountID), now).bump(t, now)
	l.mu.Unlock()
}

// Snapshot returns today's counters for an account.
func (l *Limiter) Snapshot(accountID string) Record {
	now := l.now()
	l.mu.Lock()
	rec := *l.recordLocked(strings.TrimSpace(accountID), now)
	l.mu.Unlock()
	return rec
}

// recordLocked returns today's record, resetting it on UTC day rollover.
func (l *Limiter) recordLocked(id string, now time.Time) *Record {
	day := now.UTC().Format(dayLayout)
	rec := l.records[id]
	if rec == nil {
		rec = &Record{Day: day}
		l.records[id] = rec
		return rec
	}
	if rec.Day != day {
		*rec = Record{Day: day}
	}
	return rec
}

// MarkBanned flags an account; banned accounts can never perform.
func (l *Limiter) MarkBanned(accountID string) {
	l.mu.Lock()
	l.banned[strings.TrimSpace(accountID)] = l.now()
	l.mu.Unlock()
}

func (l *Limiter) IsBanned(accountID string) bool {
	l.mu.Lock()
	_, ok := l.banned[strings.TrimSpace(accountID)]
	l.mu.Unlock()
	return ok
}

// RecordBan appends a ban event for the global pause window.
func (l *Limiter) RecordBan(accountID, kind string) {
	now := l.now()
	window := l.Policy().BanWindow

	l.bmu.Lock()
	l.bans = append(l.bans, BanEvent{AccountID: strings.TrimSpace(accountID), Kind: kind, At: now})
	l.pruneLocked(now, window)
	n := len(l.bans)
	l.bmu.Unlock()

	l.log.Warn("ban recorded", logx.String("account", accountID), logx.String("kind", kind), logx.Int("window_count", n))
}

// ShouldPauseGlobally reports whether the number of ban events inside the
// trailing window reached the threshold.
func (l *Limiter) ShouldPauseGlobally() bool {
	p := l.Policy()
	now := l.now()
	l.bmu.Lock()
	l.pruneLocked(now, p.BanWindow)
	n := len(l.bans)
	l.bmu.Unlock()
	return n >= p.BanThreshold
}

// RecentBans returns the ban events still inside the window.
func (l *Limiter) RecentBans() []BanEvent {
	p := l.Policy()
	now := l.now()
	l.bmu.Lock()
	l.pruneLocked(now, p.BanWindow)
	out := make([]BanEvent, len(l.bans))
	copy(out, l.bans)
	l.bmu.Unlock()
	return out
}

func (l *Limiter) pruneLocked(now time.Time, window time.Duration) {
	cut := now.Add(-window)
	i := 0
	for i < len(l.bans) && !l.bans[i].At.After(cut) {
		i++
	}
	if i > 0 {
		l.bans = append(l.bans[:0], l.bans[i:]...)
	}
}

// DelayBetween samples a bounded Gaussian delay for kind.
func (l *Limiter) DelayBetween(kind DelayKind) time.Duration {
	p := l.Policy()
	var r Range
	switch kind {
	case DelayAction:
		r = p.ActionDelay
	case DelayStartup:
		r = p.StartupDelay
	case DelayAuthPoll:
		r = p.AuthPollDelay
	default:
		return 0
	}
	if r.IsZero() {
		return 0
	}
	l.rmu.Lock()
	d := BoundedGaussian(l.rng, r)
	l.rmu.Unlock()
	return d
}
