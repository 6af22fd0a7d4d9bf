package limiter

import (
	"time"

	"postrunner/internal/model"
)

// Policy controls caps, warming and ban tracking.
//
// Caps on the account itself (model.Account.DailyPostCap/DailyActionCap) win
// over the policy defaults when non-zero.
//
// Delay ranges are taken as-is: a zero range disables that delay. Start from
// DefaultPolicy() to get production pacing.
type Policy struct {
	DailyPostCap   int
	DailyActionCap int

	// WarmingDays <= 0 disables warming mode.
	WarmingDays      int
	WarmingActionCap int

	BanWindow    time.Duration
	BanThreshold int

	ActionDelay   Range
	StartupDelay  Range
	AuthPollDelay Range
}

// DefaultPolicy returns production defaults.
//
//   - post cap: 10/day, combined action cap: 50/day
//   - warming: disabled, warming action cap: 10/day
//   - ban window: 1h, threshold: 2
//   - delays: 4-18m between actions, 30s-2m between startups, 5-7s auth polls
func DefaultPolicy() Policy {
	return Policy{
		DailyPostCap:     10,
		DailyActionCap:   50,
		WarmingActionCap: 10,
		BanWindow:        time.Hour,
		BanThreshold:     2,
		ActionDelay:      Range{Min: 4 * time.Minute, Max: 18 * time.Minute},
		StartupDelay:     Range{Min: 30 * time.Second, Max: 2 * time.Minute},
		AuthPollDelay:    Range{Min: 5 * time.Second, Max: 7 * time.Second},
	}
}

func (p Policy) withDefaults() Policy {
	if p.DailyPostCap <= 0 {
		p.DailyPostCap = 10
	}
	if p.DailyActionCap <= 0 {
		p.DailyActionCap = 50
	}
	if p.WarmingActionCap <= 0 {
		p.WarmingActionCap = 10
	}
	if p.BanWindow <= 0 {
		p.BanWindow = time.Hour
	}
	if p.BanThreshold <= 0 {
		p.BanThreshold = 2
	}
	p.ActionDelay = p.ActionDelay.normalize()
	p.StartupDelay = p.StartupDelay.normalize()
	p.AuthPollDelay = p.AuthPollDelay.normalize()
	return p
}

// DelayKind selects a delay range from the policy.
type DelayKind int

const (
	DelayAction DelayKind = iota
	DelayStartup
	DelayAuthPoll
)

func (k DelayKind) String() string {
	switch k {
	case DelayAction:
		return "action"
	case DelayStartup:
		return "startup"
	case DelayAuthPoll:
		return "auth_poll"
	default:
		return "unknown"
	}
}

// Record holds one account's counters for one UTC day.
type Record struct {
	Day        string
	Posts      int
	Likes      int
	Comments   int
	Shares     int
	LastAction time.Time
}

func (r Record) Total() int { return r.Posts + r.Likes + r.Comments + r.Shares }

func (r *Record) bump(t model.ActionType, now time.Time) {
	switch t {
	case model.ActionPost:
		r.Posts++
	case model.ActionLike:
		r.Likes++
	case model.ActionComment:
		r.Comments++
	case model.ActionShare:
		r.Shares++
	}
	r.LastAction = now
}

// BanEvent is a detected restriction.
type BanEvent struct {
	AccountID string
	Kind      string
	At        time.Time
}
