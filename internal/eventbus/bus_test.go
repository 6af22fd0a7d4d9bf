package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: PostSucceeded, SessionID: "s1"})

	ea := <-a
	ec := <-c
	require.Equal(t, PostSucceeded, ea.Type)
	require.Equal(t, "s1", ec.SessionID)
	require.False(t, ea.Time.IsZero())

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)
	b.Publish(Event{Type: PostFailed})
	require.Equal(t, PostFailed, (<-c).Type)
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "one"})
	b.Publish(Event{Type: "two"})
	require.Equal(t, "one", (<-ch).Type)
	require.Len(t, ch, 0)
}

func TestNopBus(t *testing.T) {
	t.Parallel()
	b := Nop()
	b.Publish(Event{Type: "x"})
	ch, unsub := b.Subscribe(1)
	unsub()
	_, ok := <-ch
	require.False(t, ok)
}
