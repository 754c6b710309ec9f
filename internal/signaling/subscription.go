package signaling

import (
	"sync"

	"teletherapy-calls/internal/calls"
)

// Subscription is a live feed of call records.
//
// Updates is closed when the feed ends. Err then reports why: nil when the
// owner called Close, calls.ErrSubscriptionLost when the store dropped it.
// Close is the unsubscribe token; it is idempotent and must always be called.
type Subscription interface {
	Updates() <-chan calls.Record
	Err() error
	Close()
}

// DefaultFeedBuffer is the per-subscriber queue length. A subscriber that falls
// this far behind is dropped with calls.ErrSubscriptionLost.
const DefaultFeedBuffer = 32

// Feed is the Subscription implementation shared by the stores and the remote client.
//
// Publish never blocks. When the buffer is full the feed fails with
// calls.ErrSubscriptionLost and Publish returns false; the fan-out owner
// drops it. release runs once, on the first Close or Fail.
type Feed struct {
	ch chan calls.Record

	mu     sync.Mutex
	closed bool
	err    error

	releaseOnce sync.Once
	release     func()
}

func NewFeed(buffer int, release func()) *Feed {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed{ch: make(chan calls.Record, buffer), release: release}
}

func (f *Feed) Updates() <-chan calls.Record { return f.ch }

func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Publish enqueues rec. It reports false if the feed is closed or just overflowed.
func (f *Feed) Publish(rec calls.Record) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.ch <- rec:
		return true
	default:
		f.finishLocked(calls.ErrSubscriptionLost)
		return false
	}
}

// Fail ends the feed with err (normally calls.ErrSubscriptionLost).
func (f *Feed) Fail(err error) {
	f.mu.Lock()
	f.finishLocked(err)
	f.mu.Unlock()
	f.releaseOnce.Do(f.runRelease)
}

func (f *Feed) Close() {
	f.mu.Lock()
	f.finishLocked(nil)
	f.mu.Unlock()
	f.releaseOnce.Do(f.runRelease)
}

// Closed reports whether the feed has ended.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Feed) finishLocked(err error) {
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.ch)
}

func (f *Feed) runRelease() {
	if f.release != nil {
		f.release()
	}
}
