// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package atx drives the target machine's ATX power and reset switches
// through GPIO lines. Click operations are serialized with an exclusive
// region: a second click while one is in flight is rejected as busy rather
// than queued, so callers can surface "another operation is in progress"
// to the user.
package atx

import (
	"context"
	"log/slog"
	"time"

	"github.com/okvmd/okvmd/internal/aioregion"
)

// Line is a single writable GPIO output.
type Line interface {
	Write(state bool) error
}

// Click pulse durations, matching the debounce behavior expected by common
// ATX motherboard front-panel headers.
const (
	ClickDelay     = 100 * time.Millisecond
	LongClickDelay = 5500 * time.Millisecond
)

// Control owns the ATX GPIO lines.
type Control struct {
	region *aioregion.Region
	power  Line
	reset  Line
	log    *slog.Logger
}

// New creates an ATX controller over the given lines. The notifier fires on
// every busy/free transition of the click region.
func New(power, reset Line, notifier aioregion.Observer, log *slog.Logger) *Control {
	return &Control{
		region: aioregion.New("atx-click", notifier),
		power:  power,
		reset:  reset,
		log:    log,
	}
}

// IsBusy reports whether a click is currently in flight.
func (c *Control) IsBusy() bool {
	return c.region.IsBusy()
}

// ClickPower pulses the power switch. Returns *aioregion.BusyError when
// another click is in progress.
func (c *Control) ClickPower(ctx context.Context) error {
	return c.click(ctx, "power", c.power, ClickDelay)
}

// ClickPowerLong holds the power switch long enough to force a hard off.
func (c *Control) ClickPowerLong(ctx context.Context) error {
	return c.click(ctx, "power_long", c.power, LongClickDelay)
}

// ClickReset pulses the reset switch.
func (c *Control) ClickReset(ctx context.Context) error {
	return c.click(ctx, "reset", c.reset, ClickDelay)
}

func (c *Control) click(ctx context.Context, name string, line Line, delay time.Duration) error {
	return c.region.Run(func() error {
		c.log.Info("ATX click", "button", name)
		if err := line.Write(true); err != nil {
			return err
		}
		defer func() {
			if err := line.Write(false); err != nil {
				c.log.Error("failed to release ATX line", "button", name, "error", err)
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			return nil
		}
	})
}
