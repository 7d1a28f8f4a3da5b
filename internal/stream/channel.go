// Package stream delivers ordered turn events to at most one live
// subscriber, buffering everything for late-attach replay.
package stream

import (
	"sync"
	"time"

	"codepilot/internal/logging"
	"codepilot/internal/types"
)

// DefaultEmitWait bounds how long Emit blocks on a slow subscriber before
// detaching it. Detached subscribers miss nothing: every event stays in the
// replay buffer and a re-subscribe starts over from the turn's first event.
const DefaultEmitWait = 2 * time.Second

// subscriberSlack is extra channel capacity beyond the replayed backlog so
// a live subscriber has room before backpressure kicks in.
const subscriberSlack = 32

// subscriber pairs the delivery channel with a detach signal. Only the
// emitter sends on ch, and ch is only closed by a party that knows no send
// is in flight; done is closed exactly once to signal detachment.
type subscriber struct {
	ch   chan types.Event
	done chan struct{}
}

// Channel carries the events of a single turn. Events are appended in step
// order by exactly one emitter (the executor goroutine running the turn);
// the channel never reorders or drops them.
type Channel struct {
	turnID   string
	emitWait time.Duration

	mu     sync.Mutex
	buffer []types.Event
	sub    *subscriber
	// sending is the subscriber an Emit is currently delivering to, if any.
	sending *subscriber
	closed  bool
}

// NewChannel creates the event channel for one turn.
func NewChannel(turnID string) *Channel {
	return &Channel{turnID: turnID, emitWait: DefaultEmitWait}
}

// SetEmitWait overrides the backpressure bound. Zero means detach a slow
// subscriber immediately instead of waiting.
func (c *Channel) SetEmitWait(d time.Duration) {
	c.mu.Lock()
	c.emitWait = d
	c.mu.Unlock()
}

// Emit records the event and delivers it to the live subscriber if one is
// attached. When the subscriber cannot accept the event within the emit
// wait, it is detached and the event (like all others) remains buffered.
// Emit never drops an event and never blocks longer than the bound.
func (c *Channel) Emit(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.TurnID = c.turnID

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		logging.StreamDebug("Dropping emit on closed channel: turn=%s kind=%s", c.turnID, ev.Kind)
		return
	}
	c.buffer = append(c.buffer, ev)
	sub := c.sub
	wait := c.emitWait
	c.sending = sub
	c.mu.Unlock()

	if sub == nil {
		return
	}

	delivered := false
	select {
	case sub.ch <- ev:
		delivered = true
	case <-sub.done:
	default:
	}
	if !delivered && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case sub.ch <- ev:
			delivered = true
		case <-sub.done:
		case <-timer.C:
		}
		timer.Stop()
	}

	c.mu.Lock()
	c.sending = nil
	if sub != c.sub {
		// Detached by Subscribe/Unsubscribe/Close mid-send; closing ch was
		// left to us since we were the in-flight sender.
		close(sub.ch)
	} else if !delivered {
		// Subscriber too slow. Detach it; the buffer keeps the full history.
		logging.Stream("Detaching slow subscriber: turn=%s step=%d", c.turnID, ev.StepIndex)
		c.sub = nil
		close(sub.done)
		close(sub.ch)
	}
	c.mu.Unlock()
}

// detachLocked removes the live subscriber. The delivery channel is closed
// here only when no send to it is in flight; otherwise the emitter closes
// it when it observes the detachment.
func (c *Channel) detachLocked() {
	sub := c.sub
	c.sub = nil
	close(sub.done)
	if c.sending != sub {
		close(sub.ch)
	}
}

// Subscribe attaches the single live subscriber and replays every event
// emitted since turn start before any live delivery. Attaching replaces a
// previous subscriber, whose channel is closed. The returned channel is
// closed after the terminal event once the turn finishes.
func (c *Channel) Subscribe() <-chan types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan types.Event, len(c.buffer)+subscriberSlack)
	for _, ev := range c.buffer {
		ch <- ev
	}
	logging.StreamDebug("Subscriber attached: turn=%s replayed=%d", c.turnID, len(c.buffer))

	if c.closed {
		close(ch)
		return ch
	}
	if c.sub != nil {
		c.detachLocked()
	}
	c.sub = &subscriber{ch: ch, done: make(chan struct{})}
	return ch
}

// Unsubscribe detaches the given subscriber if it is still the live one.
func (c *Channel) Unsubscribe(ch <-chan types.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil && ch == (<-chan types.Event)(c.sub.ch) {
		c.detachLocked()
	}
}

// Close flushes the channel after the turn's terminal event. The live
// subscriber's channel is closed; the buffer stays available for replay.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.sub != nil {
		c.detachLocked()
	}
	logging.StreamDebug("Channel closed: turn=%s events=%d", c.turnID, len(c.buffer))
}

// Events returns a copy of everything emitted so far, in order.
func (c *Channel) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Event, len(c.buffer))
	copy(out, c.buffer)
	return out
}
