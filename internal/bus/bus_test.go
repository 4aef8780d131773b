package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Kind: KindStarted, ChargerID: "garage"})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindStarted, ev.Kind)
			assert.Equal(t, "garage", ev.ChargerID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublish_UpdatesAreDroppedWhenFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: KindUpdated})
	b.Publish(Event{Kind: KindUpdated}) // must not block
	assert.Len(t, ch, 1)
}

func TestPublish_LifecycleWaitsForConsumer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Kind: KindStarted})
	published := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindCompleted})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("lifecycle event should wait for buffer space")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, KindStarted, (<-ch).Kind)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not complete")
	}
	assert.Equal(t, KindCompleted, (<-ch).Kind)
}

func TestUnsubscribe_ReleasesBlockedPublisher(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Kind: KindStarted})

	published := make(chan struct{})
	go func() {
		b.Publish(Event{Kind: KindCompleted})
		close(published)
	}()
	time.Sleep(20 * time.Millisecond)
	unsub()
	unsub()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher stuck after unsubscribe")
	}
	require.Equal(t, 0, b.Len())
}
