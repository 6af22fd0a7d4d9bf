package sticky

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "postrunner/pkg/logx"
)

const DefaultTTL = 60 * time.Minute

// Session pins one account to one egress proxy until Expires.
type Session struct {
	AccountID string
	ProxyID   string
	SessionID string
	Started   time.Time
	Expires   time.Time
}

func (s Session) Active(now time.Time) bool { return now.Before(s.Expires) }

// Binder keeps per-account sticky proxy sessions.
//
// Expired bindings are evicted lazily on read; Sweep drops them eagerly.
type Binder struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]Session

	now func() time.Time
	log logx.Logger
}

type Option func(*Binder)

func WithClock(now func() time.Time) Option {
	return func(b *Binder) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(b *Binder) { b.log = log }
}

func New(ttl time.Duration, opts ...Option) *Binder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	b := &Binder{
		ttl:      ttl,
		sessions: map[string]Session{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	return b
}

func (b *Binder) TTL() time.Duration { return b.ttl }

// Bind creates a fresh binding for accountID on proxyID and returns its
// session id. Any existing binding for the account is ended.
func (b *Binder) Bind(accountID, proxyID string) string {
	accountID = strings.TrimSpace(accountID)
	proxyID = strings.TrimSpace(proxyID)
	now := b.now()

	b.mu.Lock()
	prev, had := b.sessions[accountID]
	s := b.newSession(accountID, proxyID, now)
	b.sessions[accountID] = s
	b.mu.Unlock()

	if had && prev.Active(now) {
		b.log.Debug("sticky session replaced",
			logx.String("account", accountID),
			logx.String("old_proxy", prev.ProxyID),
			logx.String("proxy", proxyID),
		)
	}
	return s.SessionID
}

// GetActive returns the account's binding if it has not expired. An expired
// binding is removed.
func (b *Binder) GetActive(accountID string) (Session, bool) {
	accountID = strings.TrimSpace(accountID)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[accountID]
	if !ok {
		return Session{}, false
	}
	if !s.Active(now) {
		delete(b.sessions, accountID)
		return Session{}, false
	}
	return s, true
}

// Resolve returns the active binding for accountID when it still points at
// proxyID, and otherwise binds a new one.
func (b *Binder) Resolve(accountID, proxyID string) Session {
	accountID = strings.TrimSpace(accountID)
	proxyID = strings.TrimSpace(proxyID)
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.sessions[accountID]; ok && s.Active(now) && s.ProxyID == proxyID {
		return s
	}
	s := b.newSession(accountID, proxyID, now)
	b.sessions[accountID] = s
	return s
}

// End drops the account's binding (if any).
func (b *Binder) End(accountID string) {
	b.mu.Lock()
	delete(b.sessions, strings.TrimSpace(accountID))
	b.mu.Unlock()
}

// Sweep removes every expired binding and returns how many were dropped.
func (b *Binder) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, s := range b.sessions {
		if !s.Active(now) {
			delete(b.sessions, id)
			n++
		}
	}
	return n
}

// Len counts stored bindings, expired or not.
func (b *Binder) Len() int {
	b.mu.Lock()
	n := len(b.sessions)
	b.mu.Unlock()
	return n
}

func (b *Binder) newSession(accountID, proxyID string, now time.Time) Session {
	return Session{
		AccountID: accountID,
		ProxyID:   proxyID,
		SessionID: strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		Started:   now,
		Expires:   now.Add(b.ttl),
	}
}
