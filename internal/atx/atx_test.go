// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package atx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okvmd/okvmd/internal/aioregion"
)

// recordingLine captures every GPIO transition.
type recordingLine struct {
	mu     sync.Mutex
	states []bool
	fail   bool

	// entered is closed on the first Write(true) so tests can synchronize
	// with a click in flight.
	entered   chan struct{}
	enterOnce sync.Once
}

func newRecordingLine() *recordingLine {
	return &recordingLine{entered: make(chan struct{})}
}

func (l *recordingLine) Write(state bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail && state {
		return errors.New("gpio write failed")
	}
	l.states = append(l.states, state)
	if state {
		l.enterOnce.Do(func() { close(l.entered) })
	}
	return nil
}

func (l *recordingLine) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool{}, l.states...)
}

func newControl(power, reset Line) *Control {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(power, reset, nil, log)
}

func TestClickPulsesLine(t *testing.T) {
	power := newRecordingLine()
	reset := newRecordingLine()
	control := newControl(power, reset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, control.ClickPower(ctx))
	assert.Equal(t, []bool{true, false}, power.snapshot())
	assert.Empty(t, reset.snapshot(), "reset line untouched")
	assert.False(t, control.IsBusy())

	require.NoError(t, control.ClickReset(ctx))
	assert.Equal(t, []bool{true, false}, reset.snapshot())
}

func TestClickWhileBusyRejected(t *testing.T) {
	power := newRecordingLine()
	reset := newRecordingLine()
	control := newControl(power, reset)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- control.ClickPower(ctx) }()

	<-power.entered
	assert.True(t, control.IsBusy())

	err := control.ClickReset(ctx)
	var busy *aioregion.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Empty(t, reset.snapshot(), "a rejected click must not touch the line")

	require.NoError(t, <-done)
	assert.False(t, control.IsBusy())
}

func TestClickReleasesLineOnCancel(t *testing.T) {
	power := newRecordingLine()
	control := newControl(power, newRecordingLine())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- control.ClickPowerLong(ctx) }()

	<-power.entered
	cancel()

	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []bool{true, false}, power.snapshot(), "the line must be released")
	assert.False(t, control.IsBusy())
}

func TestClickPropagatesWriteError(t *testing.T) {
	power := newRecordingLine()
	power.fail = true
	control := newControl(power, newRecordingLine())

	err := control.ClickPower(context.Background())
	require.Error(t, err)
	assert.False(t, control.IsBusy(), "the region must be released after a failed write")
}

func TestClickNotifiesObserver(t *testing.T) {
	notifier := aioregion.NewNotifier()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	control := New(newRecordingLine(), newRecordingLine(), notifier, log)

	require.NoError(t, control.ClickPower(context.Background()))

	// Enter and Exit both notified; the notifier coalesces, so at least one
	// wakeup must be pending.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, notifier.Wait(ctx))
}
