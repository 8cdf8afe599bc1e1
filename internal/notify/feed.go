package notify

import (
	"sync"

	"go.uber.org/zap"
)

// EventType tells observers what happened to a record.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is a change notification. Payload carries the record in the same
// shape the durable store persists, so subscribers can decode it directly.
type Event struct {
	Collection string      `json:"collection"`
	Type       EventType   `json:"type"`
	ID         string      `json:"id"`
	Audience   []string    `json:"-"`
	Payload    interface{} `json:"payload,omitempty"`
}

// Filter decides whether a subscriber wants an event. A nil filter matches
// everything in the subscribed collection.
type Filter func(Event) bool

// ForIdentity matches events addressed to the given identity. Events with an
// empty audience are visible to everyone.
func ForIdentity(identity string) Filter {
	return func(e Event) bool {
		if len(e.Audience) == 0 {
			return true
		}
		for _, a := range e.Audience {
			if a == identity {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	collection string
	filter     Filter
	ch         chan Event
	done       chan struct{}
	stopped    chan struct{}
	once       sync.Once
}

// Subscription is a handle to an active subscription. Cancel stops further
// callbacks; events already in flight are dropped, never delivered late.
type Subscription struct {
	feed *ChangeFeed
	sub  *subscriber
}

// Cancel blocks until the pump goroutine has exited, so no callback runs
// after it returns. Must not be called from inside the callback.
func (s *Subscription) Cancel() {
	s.sub.once.Do(func() { close(s.sub.done) })
	s.feed.remove(s.sub)
	<-s.sub.stopped
}

// ChangeFeed is an in-process publish/subscribe channel for record changes.
// Each subscriber gets its own buffered pump goroutine so a slow consumer
// never blocks publishers; overflow drops the event for that subscriber.
type ChangeFeed struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	buffer int
	logger *zap.Logger
}

func NewChangeFeed(buffer int, logger *zap.Logger) *ChangeFeed {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChangeFeed{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers callback for events in collection that pass filter.
// The callback runs on a dedicated goroutine, one event at a time.
func (f *ChangeFeed) Subscribe(collection string, filter Filter, callback func(Event)) *Subscription {
	sub := &subscriber{
		collection: collection,
		filter:     filter,
		ch:         make(chan Event, f.buffer),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		defer close(sub.stopped)
		for {
			select {
			case <-sub.done:
				return
			case e := <-sub.ch:
				// Re-check cancellation so no callback fires after Cancel.
				select {
				case <-sub.done:
					return
				default:
				}
				callback(e)
			}
		}
	}()

	return &Subscription{feed: f, sub: sub}
}

// Publish fans the event out to matching subscribers without blocking.
func (f *ChangeFeed) Publish(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for sub := range f.subs {
		if sub.collection != "" && sub.collection != e.Collection {
			continue
		}
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			f.logger.Warn("change feed subscriber buffer full, dropping event",
				zap.String("collection", e.Collection),
				zap.String("id", e.ID),
			)
		}
	}
}

func (f *ChangeFeed) remove(sub *subscriber) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}
