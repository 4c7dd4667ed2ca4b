package platform

import (
	"context"
	"time"
)

// EventLoop is the owner-side wake signal an environment's loop waits on.
// Wakeups coalesce: any number of Wake calls before a Wait releases it once.
type EventLoop struct {
	wake chan struct{}
}

// NewEventLoop creates an idle loop.
func NewEventLoop() *EventLoop {
	return &EventLoop{wake: make(chan struct{}, 1)}
}

// Wake signals the loop without blocking.
func (l *EventLoop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// C exposes the wake channel for select loops.
func (l *EventLoop) C() <-chan struct{} {
	return l.wake
}

// Wait blocks until the loop is woken or ctx is done.
func (l *EventLoop) Wait(ctx context.Context) error {
	select {
	case <-l.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout blocks until the loop is woken or d elapses. It reports
// whether a wakeup was received.
func (l *EventLoop) WaitTimeout(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-l.wake:
		return true
	case <-t.C:
		return false
	}
}
