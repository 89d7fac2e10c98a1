// Package notify fans out key change events to live subscribers.
//
// The bus keeps the most recent events in a fixed ring. Publishing
// overwrites the oldest slot and never waits for readers; a subscriber whose
// cursor fell off the ring is told how many events it missed and resumes at
// the oldest retained event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/lucid/internal/clock"
	"pkt.systems/lucid/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultCapacity is the ring size used when Config.Capacity is unset.
const DefaultCapacity = 512

// ErrClosed is returned by Recv once the subscription or the bus is closed.
var ErrClosed = errors.New("notify: subscription closed")

// Event is one change notification.
type Event struct {
	ID    string
	Key   string
	Value string
	Time  time.Time
}

// LaggedError reports events a subscriber missed because it fell behind
// the ring. The subscription stays usable.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("notify: subscriber lagged, %d events skipped", e.Skipped)
}

// Config configures a Bus.
type Config struct {
	Capacity int
	Clock    clock.Clock
	Logger   pslog.Logger
}

// Bus is a bounded broadcast of Events.
type Bus struct {
	mu     sync.Mutex
	ring   []Event
	next   uint64
	subs   map[*Subscription]struct{}
	closed bool

	clock   clock.Clock
	logger  pslog.Logger
	metrics *busMetrics
}

// New constructs a Bus.
func New(cfg Config) *Bus {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.NotifyBus)
	b := &Bus{
		ring:   make([]Event, capacity),
		subs:   make(map[*Subscription]struct{}),
		clock:  cfg.Clock,
		logger: logger,
	}
	b.metrics = newBusMetrics(logger)
	b.metrics.registerBus(b)
	return b
}

// Capacity returns the ring size.
func (b *Bus) Capacity() int {
	return len(b.ring)
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish broadcasts a change of key to every subscriber. It never blocks on
// readers. Without subscribers the event is dropped and Publish returns false.
func (b *Bus) Publish(ctx context.Context, key, value string) bool {
	b.mu.Lock()
	if b.closed || len(b.subs) == 0 {
		b.mu.Unlock()
		b.metrics.recordDropped(ctx)
		return false
	}
	ev := Event{
		ID:    xid.New().String(),
		Key:   key,
		Value: value,
		Time:  b.clock.Now(),
	}
	b.ring[b.next%uint64(len(b.ring))] = ev
	b.next++
	for sub := range b.subs {
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
	b.metrics.recordPublished(ctx)
	return true
}

// Subscribe registers a subscriber that receives events published from now
// on.
func (b *Bus) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		id:     xid.New().String(),
		bus:    b,
		cursor: b.next,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	b.logger.Debug("notify.subscriber.added", "subscriber", sub.id, "subscribers", len(b.subs))
	return sub, nil
}

// Close closes every subscription and refuses new ones.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for sub := range subs {
		sub.closeOnce.Do(func() { close(sub.done) })
	}
}

// Subscription is one reader of a Bus.
type Subscription struct {
	id        string
	bus       *Bus
	cursor    uint64
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the subscriber identifier used in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Recv blocks until the next event is available. A *LaggedError reports a
// gap; the following call continues with the oldest retained event.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	b := s.bus
	for {
		b.mu.Lock()
		select {
		case <-s.done:
			b.mu.Unlock()
			return Event{}, ErrClosed
		default:
		}
		if s.cursor < b.next {
			capacity := uint64(len(b.ring))
			var oldest uint64
			if b.next > capacity {
				oldest = b.next - capacity
			}
			if s.cursor < oldest {
				skipped := oldest - s.cursor
				s.cursor = oldest
				b.mu.Unlock()
				b.logger.Warn("notify.subscriber.lagged", "subscriber", s.id, "skipped", skipped)
				b.metrics.recordLagged(ctx, skipped)
				return Event{}, &LaggedError{Skipped: skipped}
			}
			ev := b.ring[s.cursor%capacity]
			s.cursor++
			b.mu.Unlock()
			return ev, nil
		}
		b.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return Event{}, ErrClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close detaches the subscription from the bus. It is safe to call more than
// once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	remaining := len(b.subs)
	b.mu.Unlock()
	s.closeOnce.Do(func() { close(s.done) })
	if ok {
		b.logger.Debug("notify.subscriber.removed", "subscriber", s.id, "subscribers", remaining)
	}
}
