// Package typing implements the debounced typing-indicator state machine.
// Each (user, target) pair is either Idle or Typing; a single cancellable
// timer per pair bounds how long a Typing state can live without an explicit
// stop. Typing state is purely transient — it is never persisted and never
// survives a process restart.
package typing

import (
	"sync"
	"time"
)

// DefaultWindow is how long a typing session stays alive without a fresh
// typing_start before it is treated as stopped.
const DefaultWindow = 3 * time.Second

// Key identifies one typing session: who is typing, toward which room.
type Key struct {
	UserID string
	Room   string
}

// ExpireFunc is invoked when a typing session times out without an explicit
// stop. It runs on the timer's goroutine.
type ExpireFunc func(key Key)

// Tracker holds the active typing sessions for one process. Repeated starts
// restart the session's timer rather than stacking new ones, so a burst of
// typing_start events still produces exactly one expiry.
type Tracker struct {
	mu       sync.Mutex
	window   time.Duration
	onExpire ExpireFunc
	timers   map[Key]*time.Timer
}

// NewTracker creates a Tracker with the given debounce window. onExpire is
// called when a session times out; it may be nil.
func NewTracker(window time.Duration, onExpire ExpireFunc) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		onExpire: onExpire,
		timers:   make(map[Key]*time.Timer),
	}
}

// Start records a typing_start for the key. It returns true if this is a
// fresh Idle -> Typing transition (the caller should emit user_typing), and
// false if the session was already active (debounce: only the timer is
// restarted).
func (t *Tracker) Start(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[key]; ok {
		timer.Reset(t.window)
		return false
	}

	t.timers[key] = time.AfterFunc(t.window, func() { t.expire(key) })
	return true
}

// Stop records an explicit typing_stop (or an implicit one from a message
// send). It returns true if a Typing -> Idle transition occurred, so the
// caller emits the stop event at most once per session.
func (t *Tracker) Stop(key Key) bool {
	t.mu.Lock()
	timer, ok := t.timers[key]
	if ok {
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok {
		timer.Stop()
	}
	return ok
}

// Active reports whether the key currently has a live typing session.
func (t *Tracker) Active(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// StopAllForUser cancels every typing session owned by userID and returns
// the keys that were active. Used on disconnect so that peers are not left
// with a stuck indicator.
func (t *Tracker) StopAllForUser(userID string) []Key {
	t.mu.Lock()
	var stopped []Key
	for key, timer := range t.timers {
		if key.UserID != userID {
			continue
		}
		timer.Stop()
		delete(t.timers, key)
		stopped = append(stopped, key)
	}
	t.mu.Unlock()
	return stopped
}

// expire handles a timer firing: the session transitions to Idle and the
// expiry callback runs. A session that was stopped between the fire and the
// lock acquisition is ignored.
func (t *Tracker) expire(key Key) {
	t.mu.Lock()
	_, ok := t.timers[key]
	if ok {
		delete(t.timers, key)
	}
	t.mu.Unlock()

	if ok && t.onExpire != nil {
		t.onExpire(key)
	}
}
