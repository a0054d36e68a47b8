// Package fanout provides the bounded, multi-subscriber channel each relay
// connection owns. Sends never block: when the buffer is full the oldest
// unread entry is overwritten and lagging receivers are told how many entries
// they missed.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-lobby-relay/internal/wire"
)

// DefaultCapacity is the number of pending envelopes a channel retains.
const DefaultCapacity = 8

var (
	// ErrNoSubscribers is returned by Send when nobody is listening. For the
	// relay this means the destination connection is gone.
	ErrNoSubscribers = errors.New("fanout: no live subscribers")

	// ErrClosed is returned by Send after Close, and by Recv once a closed
	// channel has been drained.
	ErrClosed = errors.New("fanout: channel closed")
)

// LaggedError is returned once by Recv when the receiver fell behind and
// Missed envelopes were overwritten. The receiver has already been moved to
// the oldest retained envelope; the next Recv continues from there.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("fanout: receiver lagged, %d envelopes dropped", e.Missed)
}

// Channel is safe for concurrent use by any number of senders and receivers.
type Channel struct {
	mu          sync.Mutex
	buf         []wire.RelayEnvelope
	tail        uint64 // sequence number of the next Send
	subscribers int
	closed      bool
	// notify is closed and replaced on every state change receivers wait on.
	notify chan struct{}
}

// Receiver reads from a Channel. A Receiver must not be used from more than
// one goroutine at a time.
type Receiver struct {
	ch     *Channel
	next   uint64
	closed bool
}

// New creates a channel and its first receiver. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) (*Channel, *Receiver) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Channel{
		buf:    make([]wire.RelayEnvelope, capacity),
		notify: make(chan struct{}),
	}
	return c, c.Subscribe()
}

// Subscribe adds a receiver that observes envelopes sent from now on.
func (c *Channel) Subscribe() *Receiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers++
	return &Receiver{ch: c, next: c.tail}
}

// Send enqueues env for every live receiver without blocking.
func (c *Channel) Send(env wire.RelayEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.subscribers == 0 {
		return ErrNoSubscribers
	}
	c.buf[c.tail%uint64(len(c.buf))] = env
	c.tail++
	c.wakeLocked()
	return nil
}

// Close stops the channel. Receivers still get what was buffered, then
// ErrClosed. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.wakeLocked()
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribers returns the number of live receivers.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribers
}

// Len returns the number of envelopes currently retained in the buffer.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tail < uint64(len(c.buf)) {
		return int(c.tail)
	}
	return len(c.buf)
}

// Capacity returns the number of envelopes retained before overwriting.
func (c *Channel) Capacity() int {
	return len(c.buf)
}

func (c *Channel) wakeLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Recv returns the next envelope, blocking until one is available, the
// channel is closed and drained (ErrClosed), or ctx is done.
func (r *Receiver) Recv(ctx context.Context) (wire.RelayEnvelope, error) {
	c := r.ch
	for {
		c.mu.Lock()
		if r.closed {
			c.mu.Unlock()
			return wire.RelayEnvelope{}, ErrClosed
		}

		capacity := uint64(len(c.buf))
		if c.tail > capacity && r.next < c.tail-capacity {
			oldest := c.tail - capacity
			missed := oldest - r.next
			r.next = oldest
			c.mu.Unlock()
			return wire.RelayEnvelope{}, &LaggedError{Missed: missed}
		}

		if r.next < c.tail {
			env := c.buf[r.next%capacity]
			r.next++
			c.mu.Unlock()
			return env, nil
		}

		if c.closed {
			c.mu.Unlock()
			return wire.RelayEnvelope{}, ErrClosed
		}

		wait := c.notify
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.RelayEnvelope{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close unsubscribes the receiver. Once the last receiver is closed, Send
// reports ErrNoSubscribers.
func (r *Receiver) Close() {
	c := r.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	c.subscribers--
}
