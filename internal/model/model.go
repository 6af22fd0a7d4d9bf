package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPostTarget    = errors.New("post target is required")
	ErrPostContent   = errors.New("post content is required")
	ErrAccountID     = errors.New("account id is required")
	ErrAccountCapNeg = errors.New("account caps must be >= 0")
)

// ActionType is the kind of action counted by the activity limiter.
type ActionType string

const (
	ActionPost    ActionType = "post"
	ActionLike    ActionType = "like"
	ActionComment ActionType = "comment"
	ActionShare   ActionType = "share"
)

// Post is one action to perform against a target.
//
// Attempts counts failed executions; it is bumped by the worker every time the
// post is handed back to the queue.
type Post struct {
	ID          string `json:"id" yaml:"id"`
	Target      string `json:"target" yaml:"target"`
	Content     string `json:"content" yaml:"content"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Attempts    int    `json:"attempts,omitempty" yaml:"attempts,omitempty"`
}

// Normalize trims fields and assigns an id when missing.
func (p Post) Normalize() Post {
	p.ID = strings.TrimSpace(p.ID)
	p.Target = strings.TrimSpace(p.Target)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.ID == "" {
		p.ID = "post-" + uuid.NewString()[:8]
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Target
	}
	return p
}

func (p Post) Validate() error {
	if strings.TrimSpace(p.Target) == "" {
		return ErrPostTarget
	}
	if strings.TrimSpace(p.Content) == "" {
		return fmt.Errorf("post %s: %w", p.Target, ErrPostContent)
	}
	return nil
}

// Account is one identity able to execute actions.
//
// SessionRef is opaque to the engine (a cookie jar path, a token handle...).
// A zero cap means "use the limiter policy default".
type Account struct {
	ID             string    `json:"id" toml:"id"`
	Name           string    `json:"name" toml:"name"`
	SessionRef     string    `json:"session_ref,omitempty" toml:"session_ref,omitempty"`
	ProxyRef       string    `json:"proxy_ref,omitempty" toml:"proxy_ref,omitempty"`
	DailyPostCap   int       `json:"daily_post_cap,omitempty" toml:"daily_post_cap,omitempty"`
	DailyActionCap int       `json:"daily_action_cap,omitempty" toml:"daily_action_cap,omitempty"`
	WarmingStarted time.Time `json:"warming_started,omitempty" toml:"warming_started,omitempty"`
}

func (a Account) Normalize() Account {
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	a.ProxyRef = strings.TrimSpace(a.ProxyRef)
	if a.Name == "" {
		a.Name = a.ID
	}
	return a
}

func (a Account) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrAccountID
	}
	if a.DailyPostCap < 0 || a.DailyActionCap < 0 {
		return fmt.Errorf("account %s: %w", a.ID, ErrAccountCapNeg)
	}
	return nil
}

// Label is the human readable account name used in logs.
func (a Account) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}
