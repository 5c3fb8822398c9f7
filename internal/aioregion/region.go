// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package aioregion provides an exclusive-operation guard for hardware
// operations that must never interleave (ATX clicks, HID resets).
//
// A Region is deliberately not a mutex: a second Enter while the region is
// busy does not queue, it fails immediately with *BusyError. Callers are
// expected to surface "busy" to the user as a retryable condition.
package aioregion

import (
	"fmt"
	"sync"
)

// BusyError reports that the region is already held by another operation.
// It is an expected outcome, not an exceptional failure.
type BusyError struct {
	// Name identifies the guarded resource.
	Name string
}

// Error returns the formatted busy message.
func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: another operation is already in progress", e.Name)
}

// Observer receives a callback on every busy-flag transition. An error from
// Notify during Enter rolls the claim back.
type Observer interface {
	Notify() error
}

// Region guards a resource so that at most one logical operation is in
// flight. Transitions are reported to the attached Observer.
//
// Region is safe for concurrent use; the busy check-and-set is the critical
// section and is atomic with respect to concurrent Enter calls.
type Region struct {
	name     string
	notifier Observer

	mu   sync.Mutex
	busy bool
}

// New creates a Region for the named resource. The notifier may be nil.
func New(name string, notifier Observer) *Region {
	return &Region{name: name, notifier: notifier}
}

// IsBusy returns a non-blocking snapshot of the busy flag.
func (r *Region) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// Enter atomically claims the region. If the region is already busy it
// returns *BusyError without side effects. On a successful claim the
// notifier fires; if notification fails the claim is rolled back and the
// notification error is returned.
func (r *Region) Enter() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.busy {
		return &BusyError{Name: r.name}
	}
	r.busy = true

	if r.notifier != nil {
		if err := r.notifier.Notify(); err != nil {
			r.busy = false
			return fmt.Errorf("%s: notify on enter: %w", r.name, err)
		}
	}
	return nil
}

// Exit releases the region unconditionally and notifies observers. It is
// safe to call even when the region was never entered; observers are simply
// notified again.
func (r *Region) Exit() {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()

	if r.notifier != nil {
		_ = r.notifier.Notify() // best-effort on the way out
	}
}

// Run executes fn while holding the region, guaranteeing Exit on every path
// out of fn, including panics.
func (r *Region) Run(fn func() error) error {
	if err := r.Enter(); err != nil {
		return err
	}
	defer r.Exit()
	return fn()
}
