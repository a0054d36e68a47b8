// Package duplex runs the two halves of a relayed connection side by side and
// tears both down as soon as either one finishes.
package duplex

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Side identifies which loop of a Pump finished first.
type Side int

const (
	// Outbound drains the connection's fan-out channel into the transport.
	Outbound Side = iota + 1
	// Inbound reads from the transport and routes into other channels.
	Inbound
)

func (s Side) String() string {
	switch s {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}

// Loop is one half of a pump. It must return promptly once ctx is done or
// the pump's Interrupt has been called.
type Loop func(ctx context.Context) error

type Pump struct {
	Outbound Loop
	Inbound  Loop
	// Interrupt unblocks a loop stuck in a call that does not observe ctx,
	// typically a transport read. Optional. Called at most once.
	Interrupt func()
}

// Result is the outcome of the loop that finished first. Err is nil when
// that loop ended cleanly.
type Result struct {
	Side Side
	Err  error
}

// PanicError wraps a panic raised inside a loop.
type PanicError struct {
	Side  Side
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("duplex: %s loop panicked: %v", e.Side, e.Value)
}

// Run starts both loops and returns once both have exited. The first loop to
// return decides the Result; at that moment the shared context is cancelled
// and Interrupt is invoked so the other loop winds down.
func Run(ctx context.Context, p Pump) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once sync.Once
		res  Result
	)
	finish := func(side Side, err error) {
		once.Do(func() {
			res = Result{Side: side, Err: err}
			cancel()
			if p.Interrupt != nil {
				p.Interrupt()
			}
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		finish(Outbound, call(ctx, Outbound, p.Outbound))
		return nil
	})
	g.Go(func() error {
		finish(Inbound, call(ctx, Inbound, p.Inbound))
		return nil
	})
	_ = g.Wait()

	return res
}

func call(ctx context.Context, side Side, loop Loop) (err error) {
	if loop == nil {
		<-ctx.Done()
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Side: side, Value: r, Stack: debug.Stack()}
		}
	}()
	return loop(ctx)
}
