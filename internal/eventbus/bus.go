package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
)

// DefaultQueueCapacity bounds each subscriber's queue when no capacity option
// is given.
const DefaultQueueCapacity = 256

// DefaultPingInterval is how often keepalive pings reach subscribers.
const DefaultPingInterval = 15 * time.Second

// ErrClosed is returned by Subscribe after the bus has shut down.
var ErrClosed = errors.New("event bus closed")

// SnapshotFunc builds the snapshot event delivered first on every
// subscription. Returning an error aborts the subscribe call.
type SnapshotFunc func(ctx context.Context, actionID string) (core.Event, error)

// Bus is a process-local publish/subscribe fabric with one topic per action.
// Every subscriber owns an independent bounded queue; a subscriber whose
// queue overflows is disconnected and must resubscribe for a fresh snapshot.
// Publishers never block on subscribers.
type Bus struct {
	mu       sync.Mutex
	topics   map[string]map[*Subscription]struct{}
	capacity int
	interval time.Duration
	snapshot SnapshotFunc
	closed   bool
	stopPing context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity sets the per-subscriber queue size.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithPingInterval sets the keepalive cadence.
func WithPingInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.interval = d
		}
	}
}

// WithSnapshotFunc sets the loader used to build snapshot-on-subscribe
// events. Without one, subscriptions start with the live tail only.
func WithSnapshotFunc(fn SnapshotFunc) Option {
	return func(b *Bus) {
		b.snapshot = fn
	}
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:   make(map[string]map[*Subscription]struct{}),
		capacity: DefaultQueueCapacity,
		interval: DefaultPingInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the keepalive loop. It returns immediately; the loop stops
// when ctx is canceled or Shutdown is called.
func (b *Bus) Start(ctx context.Context) {
	pingCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return
	}
	b.stopPing = cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				b.pingAll()
			}
		}
	}()
}

// Subscribe registers a subscriber for one action's events. The returned
// subscription delivers the snapshot first, then the live tail in publish
// order. The subscription ends when Close is called, ctx is canceled, or the
// subscriber falls behind.
func (b *Bus) Subscribe(ctx context.Context, actionID string) (*Subscription, error) {
	sub := &Subscription{
		bus:      b,
		actionID: actionID,
		ch:       make(chan core.Event, b.capacity),
	}

	// The snapshot is built with the topic locked so no event published
	// after the snapshot read can be missed by this subscriber.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.snapshot != nil {
		snap, err := b.snapshot(ctx, actionID)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub.ch <- snap
	}
	subs, ok := b.topics[actionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[actionID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	context.AfterFunc(ctx, sub.Close)

	return sub, nil
}

// Publish enqueues the event for every current subscriber of the action.
// Subscribers that cannot keep up are disconnected.
func (b *Bus) Publish(actionID string, ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.topics[actionID] {
		b.send(sub, ev)
	}
}

// SubscriberCount reports how many subscribers the action currently has.
func (b *Bus) SubscriberCount(actionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[actionID])
}

// Shutdown disconnects every subscriber and stops the keepalive loop.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel := b.stopPing
	for actionID, subs := range b.topics {
		for sub := range subs {
			close(sub.ch)
			sub.dead = true
		}
		delete(b.topics, actionID)
	}
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// send must be called with b.mu held.
func (b *Bus) send(sub *Subscription, ev core.Event) {
	if sub.dead {
		return
	}
	select {
	case sub.ch <- ev:
	default:
		// Slow subscriber: disconnect so the publisher never waits. The
		// client reconnects and receives a fresh snapshot.
		logger.Warn(context.Background(), "Disconnecting lagging subscriber",
			"action_id", sub.actionID, "capacity", b.capacity)
		b.remove(sub)
	}
}

// remove must be called with b.mu held.
func (b *Bus) remove(sub *Subscription) {
	if sub.dead {
		return
	}
	subs, ok := b.topics[sub.actionID]
	if ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.actionID)
		}
	}
	sub.dead = true
	close(sub.ch)
}

func (b *Bus) pingAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for actionID, subs := range b.topics {
		ping := core.NewPing(actionID)
		for sub := range subs {
			b.send(sub, ping)
		}
	}
}

// Subscription is one subscriber's handle on an action's event stream.
type Subscription struct {
	bus      *Bus
	actionID string
	ch       chan core.Event

	// dead is guarded by bus.mu.
	dead bool
}

// Events returns the receive channel. It is closed when the subscription
// ends for any reason.
func (s *Subscription) Events() <-chan core.Event {
	return s.ch
}

// ActionID returns the topic this subscription follows.
func (s *Subscription) ActionID() string {
	return s.actionID
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.bus.closed {
		return
	}
	s.bus.remove(s)
}
