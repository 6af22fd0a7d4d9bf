package queue

import (
	"sync"

	"postrunner/internal/model"
)

// Queue is the shared FIFO of pending posts.
//
// A post handed back with ReturnFront is the next one any caller will Take,
// ahead of untouched items. All methods are safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []model.Post
}

func New(posts []model.Post) *Queue {
	items := make([]model.Post, len(posts))
	copy(items, posts)
	return &Queue{items: items}
}

// Take pops the head of the queue. It never blocks.
func (q *Queue) Take() (model.Post, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Post{}, false
	}
	p := q.items[0]
	q.items[0] = model.Post{}
	q.items = q.items[1:]
	return p, true
}

func (q *Queue) ReturnFront(p model.Post) {
	q.mu.Lock()
	q.items = append(q.items, model.Post{})
	copy(q.items[1:], q.items)
	q.items[0] = p
	q.mu.Unlock()
}

// Push appends a post behind every queued item.
func (q *Queue) Push(p model.Post) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.items)
	q.mu.Unlock()
	return n
}

// Snapshot returns a copy of the queued posts in pull order.
func (q *Queue) Snapshot() []model.Post {
	q.mu.Lock()
	out := make([]model.Post, len(q.items))
	copy(out, q.items)
	q.mu.Unlock()
	return out
}
