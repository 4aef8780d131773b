package bus

import (
	"sync"
	"time"

	"github.com/jkaberg/ev-charging-manager/internal/domain"
)

// Kind identifies what happened to a session.
type Kind string

const (
	KindStarted   Kind = "session_started"
	KindCompleted Kind = "session_completed"
	KindUpdated   Kind = "session_updated"
	// KindEnded follows every finished session, recorded or discarded.
	KindEnded Kind = "session_ended"
)

// Event is a single session notification. Started/Completed carry the
// notification payload; Session carries a copy of the record. Discarded is
// set on KindEnded when the session fell below the micro-session limits.
type Event struct {
	Kind      Kind
	ChargerID string
	At        time.Time

	Started   *domain.SessionStarted
	Completed *domain.SessionCompleted
	Session   *domain.Session
	Discarded bool
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Bus provides fan-out pub/sub semantics for session events. Each Subscribe
// call gets its own channel that receives every future publication. Past
// messages are not replayed. The implementation is safe for concurrent
// publishers and subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
}

// New creates a ready-to-use Bus.
func New() *Bus { return &Bus{} }

// Subscribe returns a channel that will receive all future events and a
// function that detaches it. The channel is never closed; consumers stop on
// their own context.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub.ch, func() { b.drop(sub) }
}

// Publish delivers ev to all subscribers. Lifecycle events (started,
// completed and ended) wait for room in each subscriber's buffer until it unsubscribes.
// Updates are best-effort: a busy subscriber simply misses that update and
// sees the next one.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := make([]*subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		if ev.Kind == KindUpdated {
			select {
			case sub.ch <- ev:
			default:
			}
			continue
		}
		select {
		case sub.ch <- ev:
		case <-sub.done:
		}
	}
}

// Len returns the number of attached subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) drop(sub *subscriber) {
	sub.once.Do(func() { close(sub.done) })
	b.mu.Lock()
	for i, s := range b.subscribers {
		if s == sub {
			// remove without preserving order
			b.subscribers[i] = b.subscribers[len(b.subscribers)-1]
			b.subscribers = b.subscribers[:len(b.subscribers)-1]
			break
		}
	}
	b.mu.Unlock()
}
