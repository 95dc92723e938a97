// Package timeutil provides a one-shot timer whose timing metadata can be
// snapshotted and restored, used by transactions for retransmission and
// expiry scheduling.
package timeutil

import (
	"encoding/json"
	"sync"
	"time"

	"braces.dev/errtrace"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	TimerStateRunning TimerState = "running"
	TimerStateStopped TimerState = "stopped"
	TimerStateExpired TimerState = "expired"
)

// TimerSnapshot is a serializable view of a timer.
// Only deterministic fields are included so the snapshot can be persisted.
type TimerSnapshot struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	State     TimerState    `json:"state"`
	StopTime  time.Time     `json:"stop_time,omitzero"`
}

// SerializableTimer is a one-shot timer that tracks its start time, duration
// and state, and can export/import a lightweight [TimerSnapshot]. Runtime-only
// fields (the callback and the underlying [time.Timer]) are excluded from the
// snapshot and must be reattached after restoration.
//
// A stopped timer never fires. The callback runs in its own goroutine.
type SerializableTimer struct {
	mu   sync.Mutex
	meta TimerSnapshot

	callback  func()
	fired     bool
	realTimer *time.Timer
}

// NewTimer creates a running timer with the given duration and no callback.
func NewTimer(duration time.Duration) *SerializableTimer {
	return &SerializableTimer{
		meta: TimerSnapshot{
			StartTime: time.Now(),
			Duration:  duration,
			State:     TimerStateRunning,
		},
	}
}

// AfterFunc creates a running timer that executes f on expiry.
func AfterFunc(duration time.Duration, f func()) *SerializableTimer {
	t := NewTimer(duration)
	t.SetCallback(f)
	return t
}

// RestoreTimer recreates a timer from its snapshot. The callback is left
// nil; callers reattach it with [SerializableTimer.SetCallback] or restart
// the timer with [SerializableTimer.Reset].
func RestoreTimer(snap *TimerSnapshot) *SerializableTimer {
	if snap == nil {
		return nil
	}
	return &SerializableTimer{meta: *snap}
}

// State returns the current timer state.
func (t *SerializableTimer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.State
}

// Duration returns the timer's duration.
func (t *SerializableTimer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.meta.Duration
}

// Left returns the time remaining until expiry, or 0 when expired or stopped.
func (t *SerializableTimer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.meta.State != TimerStateRunning {
		return 0
	}
	return max(t.leftLocked(), 0)
}

func (t *SerializableTimer) leftLocked() time.Duration {
	return t.meta.Duration - time.Since(t.meta.StartTime)
}

// Expired returns true if the timer has expired.
func (t *SerializableTimer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked()
}

func (t *SerializableTimer) expiredLocked() bool {
	switch t.meta.State {
	case TimerStateExpired:
		return true
	case TimerStateStopped:
		return false
	default:
		return t.leftLocked() <= 0
	}
}

// Stop stops the timer. A stopped timer's callback never executes.
// Returns false when the timer already fired or was stopped.
func (t *SerializableTimer) Stop() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.meta.State != TimerStateRunning {
		return false
	}

	t.meta.State = TimerStateStopped
	t.meta.StopTime = time.Now()
	t.callback = nil
	t.stopRealLocked()
	return true
}

func (t *SerializableTimer) stopRealLocked() {
	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
}

// SetCallback attaches f to run on expiry, starting the underlying real timer.
// If the timer already expired and the callback has not run yet, f runs
// immediately in its own goroutine. A stopped timer ignores the callback.
func (t *SerializableTimer) SetCallback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callback = f

	switch {
	case t.expiredLocked():
		if !t.fired {
			t.fired = true
			go f()
		}
	case t.meta.State == TimerStateRunning:
		t.stopRealLocked()
		t.realTimer = time.AfterFunc(max(t.leftLocked(), 1), t.fire)
	}
}

func (t *SerializableTimer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.meta.State != TimerStateRunning || t.fired {
		return
	}
	t.meta.State = TimerStateExpired
	t.meta.StopTime = time.Now()
	t.fired = true
	if cb := t.callback; cb != nil {
		go cb()
	}
}

// Reset restarts the timer with a new duration, keeping the attached callback.
func (t *SerializableTimer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.meta = TimerSnapshot{
		StartTime: time.Now(),
		Duration:  duration,
		State:     TimerStateRunning,
	}
	t.fired = false

	t.stopRealLocked()
	if t.callback != nil {
		t.realTimer = time.AfterFunc(duration, t.fire)
	}
}

// Snapshot returns an immutable representation of the timer state.
func (t *SerializableTimer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	return &snap
}

func (t *SerializableTimer) snapshotLocked() TimerSnapshot {
	// A timer that ran past its deadline without a real timer attached
	// snapshots as expired.
	if t.meta.State == TimerStateRunning && t.expiredLocked() {
		t.meta.State = TimerStateExpired
	}
	return t.meta
}

func (t *SerializableTimer) restoreLocked(snap *TimerSnapshot) {
	t.stopRealLocked()
	t.callback = nil
	t.fired = false

	if snap == nil {
		t.meta = TimerSnapshot{}
		return
	}
	t.meta = *snap
}

var jsonNull = []byte("null")

func (t *SerializableTimer) MarshalJSON() ([]byte, error) {
	if t == nil {
		return jsonNull, nil
	}

	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	return errtrace.Wrap2(json.Marshal(&snap))
}

func (t *SerializableTimer) UnmarshalJSON(data []byte) error {
	var snap TimerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errtrace.Wrap(err)
	}

	t.mu.Lock()
	t.restoreLocked(&snap)
	t.mu.Unlock()
	return nil
}
