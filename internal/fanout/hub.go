// Package fanout implements the channel broadcaster: a bounded ring
// buffer per channel that fans published events out to many concurrent
// subscribers without ever blocking the publisher on a slow reader.
// Grounded on the teacher's internal/events package (a NATS-backed pub/sub
// bus for cross-instance fan-out) for the publish/subscribe shape, but
// reworked from a message-broker client into a pure in-process
// mutex+condition-variable ring buffer per spec §4.7, since ordering and
// backpressure here are a single-process concern the spec pins down
// precisely (256-slot ring, lag termination) rather than delegating to a
// broker's own semantics.
package fanout

import (
	"context"
	"fmt"
	"sync"
)

// ringSize is the number of buffered events per channel broadcaster.
const ringSize = 256

// OutboundEvent is one published occurrence: a channel's new sequence
// number paired with the serialized event body subscribers should relay
// to their clients unmodified.
type OutboundEvent struct {
	Sequence  int64
	ChannelID string
	Event     []byte
}

// LaggedError is delivered to a subscriber's Recv in place of an event
// when it fell more than ringSize entries behind the publisher. The
// subscription is over after this: Recv returns this error on every
// subsequent call.
type LaggedError struct {
	By int64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("lagged by %d messages", e.By)
}

// broadcaster is one channel's ring buffer plus a monotonically advancing
// write cursor. Readers each track their own read cursor.
type broadcaster struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     [ringSize]OutboundEvent
	written int64 // total events ever published; buf[(written-1)%ringSize] is the most recent
}

func newBroadcaster() *broadcaster {
	b := &broadcaster{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *broadcaster) publish(e OutboundEvent) {
	b.mu.Lock()
	b.buf[b.written%ringSize] = e
	b.written++
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Subscription is a single subscriber's cursor into a channel's
// broadcaster. Recv blocks until the next event is available, the
// subscriber has lagged past the buffer, or ctx is done.
type Subscription struct {
	b    *broadcaster
	read int64 // next sequence-in-ring index this subscriber hasn't consumed
}

// Recv blocks until the next published event is available for this
// subscriber, returns *LaggedError if the subscriber fell more than
// ringSize events behind, or returns ctx.Err() if ctx is done first.
func (s *Subscription) Recv(ctx context.Context) (OutboundEvent, error) {
	b := s.b

	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		b.cond.Broadcast()
	})
	defer stop()

	b.mu.Lock()
	defer b.mu.Unlock()

	for s.read >= b.written {
		select {
		case <-done:
			return OutboundEvent{}, ctx.Err()
		default:
		}
		b.cond.Wait()
		select {
		case <-done:
			return OutboundEvent{}, ctx.Err()
		default:
		}
	}

	if behind := b.written - s.read; behind > ringSize {
		// The cursor is left where it is, so every later Recv reports the
		// lag again: a lagged subscription never resumes delivery.
		return OutboundEvent{}, &LaggedError{By: behind}
	}

	e := b.buf[s.read%ringSize]
	s.read++
	return e, nil
}

// Hub maintains the channel_id -> broadcaster mapping, creating
// broadcasters lazily on first publish or subscribe.
type Hub struct {
	mu           sync.RWMutex
	broadcasters map[string]*broadcaster
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{broadcasters: make(map[string]*broadcaster)}
}

func (h *Hub) broadcasterFor(channelID string) *broadcaster {
	h.mu.RLock()
	b, ok := h.broadcasters[channelID]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.broadcasters[channelID]; ok {
		return b
	}
	b = newBroadcaster()
	h.broadcasters[channelID] = b
	return b
}

// Publish fans e out to every current subscriber of e.ChannelID;
// subscriptions made afterwards do not see it. It never blocks on a slow subscriber: the ring buffer
// absorbs bursts and lagging subscribers are terminated on their own next
// Recv, not on the publisher's critical path.
func (h *Hub) Publish(e OutboundEvent) {
	h.broadcasterFor(e.ChannelID).publish(e)
}

// Subscribe attaches a new Subscription to channelID, starting strictly
// after whatever has already been published. A socket session drains
// history via storage's recent_events before calling Subscribe; starting
// a subscription from the broadcaster's own backlog instead of "now"
// would hand that same history back a second time.
func (h *Hub) Subscribe(channelID string) *Subscription {
	b := h.broadcasterFor(channelID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Subscription{b: b, read: b.written}
}
