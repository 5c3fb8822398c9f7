// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package aioregion

import "context"

// Notifier is an edge-coalescing wakeup primitive. Multiple Notify calls
// between two Wait calls collapse into a single wakeup; Wait never misses a
// notification that happened before it was called.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a Notifier ready for use.
func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Notify signals the observer. It never blocks; a pending signal absorbs
// subsequent ones. The error return exists so a Notifier can be replaced by
// fallible observers behind the same contract; this implementation cannot
// fail.
func (n *Notifier) Notify() error {
	select {
	case n.ch <- struct{}{}:
	default:
	}
	return nil
}

// Wait blocks until a notification arrives or ctx is done.
func (n *Notifier) Wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
