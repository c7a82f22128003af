// Package notify fans moderation events out to subscribers. Publishing
// never blocks: every subscriber owns a bounded queue that discards its
// oldest unread event when full.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"threadmod/api/internal/metrics"
	"threadmod/api/internal/store"
)

const DefaultQueueSize = 64

var ErrClosed = errors.New("subscription closed")

type Event struct {
	Entity         string       `json:"entity"`
	CommentID      string       `json:"comment_id"`
	ThreadID       string       `json:"thread_id"`
	PreviousStatus store.Status `json:"previous_status"`
	NewStatus      store.Status `json:"new_status"`
	Timestamp      time.Time    `json:"timestamp"`
	// Origin identifies the instance that produced the event.
	Origin string `json:"origin,omitempty"`
}

// Forwarder receives every locally published event, e.g. to relay it to
// other instances. Forward must not block.
type Forwarder interface {
	Forward(Event)
}

type Notifier struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	forwarder Forwarder
	closed    bool
}

func New(queueSize int) *Notifier {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Notifier{subs: make(map[string]*Subscription), queueSize: queueSize}
}

func (n *Notifier) SetForwarder(f Forwarder) {
	n.mu.Lock()
	n.forwarder = f
	n.mu.Unlock()
}

// Publish delivers ev to local subscribers and hands it to the forwarder.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	f := n.forwarder
	n.mu.RUnlock()

	n.Deliver(ev)
	if f != nil {
		f.Forward(ev)
	}
}

// Deliver enqueues ev for local subscribers only.
func (n *Notifier) Deliver(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	metrics.EventsPublished.Inc()
	for _, sub := range n.subs {
		if sub.threadID != "" && sub.threadID != ev.ThreadID {
			continue
		}
		sub.push(ev)
	}
}

// Subscribe opens a subscription. A non-empty threadID limits it to events
// for that thread.
func (n *Notifier) Subscribe(threadID string) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:       uuid.NewString(),
		threadID: threadID,
		owner:    n,
		ring:     make([]Event, n.queueSize),
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	n.subs[sub.ID] = sub
	metrics.Subscribers.Inc()
	return sub, nil
}

// Len reports the number of open subscriptions.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Close ends every subscription.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[string]*Subscription)
	n.closed = true
	n.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

func (n *Notifier) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, id)
}

type Subscription struct {
	ID       string
	threadID string
	owner    *Notifier

	mu      sync.Mutex
	ring    []Event
	head    int
	count   int
	dropped uint64

	ready    chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.count == len(s.ring) {
		// drop the oldest unread event
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		s.dropped++
		metrics.EventsDropped.Inc()
	}
	s.ring[(s.head+s.count)%len(s.ring)] = ev
	s.count++
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// TryNext pops the oldest queued event without waiting.
func (s *Subscription) TryNext() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return Event{}, false
	}
	ev := s.ring[s.head]
	s.ring[s.head] = Event{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return ev, true
}

// Next waits for the next event, the context to end, or the subscription
// to close.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.TryNext(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.done:
			if ev, ok := s.TryNext(); ok {
				return ev, nil
			}
			return Event{}, ErrClosed
		case <-s.ready:
		}
	}
}

// C signals that events may be waiting; drain with TryNext.
func (s *Subscription) C() <-chan struct{} {
	return s.ready
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dropped counts events discarded because the queue was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) Close() {
	s.owner.remove(s.ID)
	s.shutdown()
}

func (s *Subscription) shutdown() {
	s.doneOnce.Do(func() {
		metrics.Subscribers.Dec()
		close(s.done)
	})
}
