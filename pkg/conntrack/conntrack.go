// Package conntrack implements a delayed-release lifecycle for a single
// shared connection.
//
// Clients that remount rapidly (double-mounted UI effects, quick page
// transitions) would otherwise tear a connection down and immediately
// rebuild it. The tracker counts consumers and releases the underlying
// resource only after the count has stayed at zero for a grace period.
package conntrack

import (
	"sync"
	"time"
)

// Tracker is a refcounted acquire/release wrapper around one resource.
type Tracker struct {
	acquire func() error
	release func()
	grace   time.Duration

	mu    sync.Mutex
	count int
	held  bool
	timer *time.Timer
}

// New creates a Tracker. acquire opens the resource, release closes it,
// grace is how long the count must stay at zero before release runs.
func New(acquire func() error, release func(), grace time.Duration) *Tracker {
	return &Tracker{
		acquire: acquire,
		release: release,
		grace:   grace,
	}
}

// Acquire registers a consumer, opening the resource on the first one.
// A pending delayed release is aborted, so a release/acquire pair inside
// the grace period keeps the existing connection.
func (t *Tracker) Acquire() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	t.count++
	if t.held {
		return nil
	}
	if err := t.acquire(); err != nil {
		t.count--
		return err
	}
	t.held = true
	return nil
}

// Release deregisters a consumer. When the last consumer leaves, the
// resource is released after the grace period unless someone re-acquires
// first.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return
	}
	t.count--
	if t.count > 0 || !t.held {
		return
	}

	if t.grace <= 0 {
		t.release()
		t.held = false
		return
	}

	t.timer = time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.count == 0 && t.held {
			t.release()
			t.held = false
		}
		t.timer = nil
	})
}

// Consumers returns the current consumer count.
func (t *Tracker) Consumers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Held reports whether the underlying resource is currently open.
func (t *Tracker) Held() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}
