package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Run lifecycle event types published by the orchestrator.
const (
	SessionStarted   = "session.started"
	SessionPaused    = "session.paused"
	SessionResumed   = "session.resumed"
	SessionFinished  = "session.finished"
	WorkerStarted    = "worker.started"
	WorkerFinished   = "worker.finished"
	ReserveActivated = "reserve.activated"
	AccountStopped   = "account.stopped"
	PostSucceeded    = "post.succeeded"
	PostFailed       = "post.failed"
	PostAbandoned    = "post.abandoned"
	BanWave          = "ban.wave"

	// LogEntry carries a logx.Entry from the progress observer sink.
	LogEntry = "log.entry"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type      string
	SessionID string
	Time      time.Time
	Data      any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock guarantees no Publish is mid-send.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
