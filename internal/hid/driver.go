// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package hid implements the serial protocol engine for the MCU that drives
// USB HID signaling toward the target machine: the byte-level frame codec
// with CRC-16 integrity and the link driver with its retry/backoff state
// machine, press-state tracking, and online/offline health classification.
package hid

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls the link driver's device and retry policy.
type Config struct {
	Device        string
	Baud          int
	ReadTimeout   time.Duration
	ReadRetries   int
	CommonRetries int
	RetriesDelay  time.Duration

	// Noop short-circuits the serial exchange with a synthetic OK frame.
	// Useful on development machines without the MCU attached.
	Noop bool

	// QueueSize bounds the event queue; overflow drops the newest event
	// (an offline link must not grow the queue forever).
	QueueSize int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Baud == 0 {
		out.Baud = 115200
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.ReadRetries == 0 {
		out.ReadRetries = 10
	}
	if out.CommonRetries == 0 {
		out.CommonRetries = 100
	}
	if out.RetriesDelay == 0 {
		out.RetriesDelay = 100 * time.Millisecond
	}
	if out.QueueSize == 0 {
		out.QueueSize = 128
	}
	return out
}

// Driver owns the serial link. All outgoing frames are serialized through a
// single consumer goroutine (Run); producers enqueue events from any number
// of concurrent sessions. Link failures are absorbed and summarized as the
// Online flag, never surfaced to producers.
type Driver struct {
	cfg    Config
	opener PortOpener
	log    *slog.Logger

	queue  chan Event
	online atomic.Bool

	mu             sync.Mutex
	stopped        bool
	pressedKeys    map[string]byte
	pressedButtons map[MouseButton]struct{}
}

// NewDriver creates a Driver. The opener is called lazily by Run, and again
// whenever the device needs reopening after an I/O failure.
func NewDriver(cfg Config, opener PortOpener, log *slog.Logger) *Driver {
	full := cfg.withDefaults()
	d := &Driver{
		cfg:            full,
		opener:         opener,
		log:            log,
		queue:          make(chan Event, full.QueueSize),
		pressedKeys:    make(map[string]byte),
		pressedButtons: make(map[MouseButton]struct{}),
	}
	d.online.Store(true)
	return d
}

// Online reports the last observed link health. It is eventually consistent:
// the driver is the only writer, readers may poll freely.
func (d *Driver) Online() bool {
	return d.online.Load()
}

// SendKey enqueues a key press or release. Unknown key names and duplicate
// press/release states are dropped before framing.
func (d *Driver) SendKey(key string, pressed bool) {
	code, ok := KeyCode(key)
	if !ok {
		d.log.Debug("dropping unknown key", "key", key)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	_, down := d.pressedKeys[key]
	if pressed == down {
		return // duplicate press or release
	}
	if pressed {
		d.pressedKeys[key] = code
	} else {
		delete(d.pressedKeys, key)
	}
	d.enqueue(KeyEvent{Code: code, Pressed: pressed})
}

// SendMouseButton enqueues a mouse button event with the same
// duplicate-state suppression as SendKey.
func (d *Driver) SendMouseButton(button MouseButton, pressed bool) {
	if button != MouseLeft && button != MouseRight {
		d.log.Debug("dropping unsupported mouse button", "button", string(button))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	_, down := d.pressedButtons[button]
	if pressed == down {
		return
	}
	if pressed {
		d.pressedButtons[button] = struct{}{}
	} else {
		delete(d.pressedButtons, button)
	}
	d.enqueue(MouseButtonEvent{Button: button, Pressed: pressed})
}

// SendMouseMove enqueues an absolute pointer move.
func (d *Driver) SendMouseMove(toX, toY int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.enqueue(MouseMoveEvent{ToX: toX, ToY: toY})
}

// SendMouseWheel enqueues a vertical wheel step.
func (d *Driver) SendMouseWheel(deltaY int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.enqueue(MouseWheelEvent{DeltaY: deltaY})
}

// ClearEvents synthesizes release events for everything currently pressed,
// so the target never sees a stuck key after a client goes away.
func (d *Driver) ClearEvents() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked()
}

func (d *Driver) clearLocked() {
	for button := range d.pressedButtons {
		d.enqueue(MouseButtonEvent{Button: button, Pressed: false})
	}
	for _, code := range d.pressedKeys {
		d.enqueue(KeyEvent{Code: code, Pressed: false})
	}
	d.pressedButtons = make(map[MouseButton]struct{})
	d.pressedKeys = make(map[string]byte)
}

// enqueue must be called with d.mu held.
func (d *Driver) enqueue(event Event) {
	select {
	case d.queue <- event:
	default:
		d.log.Error("HID event queue overflow, dropping event")
	}
}

// Run drives the serial link until ctx is canceled. On shutdown it releases
// all pressed keys and buttons and flushes the queue before closing the
// device. Run never returns a protocol error; the link being down is a
// steady state reported through Online.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("starting HID link driver", "device", d.cfg.Device)

	var port Port
	defer func() {
		if port != nil {
			_ = port.Close()
		}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	idleTicks := 0
	for {
		if port == nil && !d.cfg.Noop {
			opened, err := d.opener()
			if err != nil {
				d.log.Error("can't open HID device", "device", d.cfg.Device, "error", err)
				d.online.Store(false)
				select {
				case <-ctx.Done():
					return d.shutdown(port)
				case <-time.After(time.Second):
				}
				continue
			}
			port = opened
		}

		select {
		case <-ctx.Done():
			return d.shutdown(port)

		case event := <-d.queue:
			port = d.processCommand(port, event.Command())
			idleTicks = 0

		case <-ticker.C:
			idleTicks++
			if idleTicks >= 20 { // 20 * 50ms: one ping per idle second
				port = d.processCommand(port, [5]byte{OpPing})
				idleTicks = 0
			}
		}
	}
}

// shutdown releases pressed state and drains the queue against the port.
func (d *Driver) shutdown(port Port) error {
	d.mu.Lock()
	d.clearLocked()
	d.stopped = true
	d.mu.Unlock()

	d.log.Info("stopping HID link driver, flushing queued events")
	for {
		select {
		case event := <-d.queue:
			port = d.processCommand(port, event.Command())
		default:
			return nil
		}
	}
}

// processCommand frames and sends one command, applying the retry policy.
// It returns the port to use next (nil when the device must be reopened).
func (d *Driver) processCommand(port Port, command [5]byte) Port {
	if port == nil && !d.cfg.Noop {
		return nil
	}
	return d.processRequest(port, WrapRequest(command))
}

func (d *Driver) processRequest(port Port, request [RequestSize]byte) Port {
	commonRetries := d.cfg.CommonRetries
	readRetries := d.cfg.ReadRetries
	errorOccurred := false

	for commonRetries > 0 && readRetries > 0 {
		response, ioErr := d.exchange(port, request)

		if ioErr != nil {
			// The device itself failed; force a reopen on the next frame.
			d.log.Error("HID device I/O error", "error", ioErr)
			if port != nil {
				_ = port.Close()
				port = nil
			}
			d.online.Store(false)
			return nil
		}

		if len(response) < ResponseSize {
			d.log.Error("no response from HID", "request", request[:])
			readRetries--
		} else {
			status, err := ParseResponse(response)
			switch {
			case errors.Is(err, ErrBadCRC):
				d.log.Error("invalid response CRC, requesting the last answer again")
				request = WrapRequest([5]byte{OpRepeatAnswer})

			case status == StatusOK:
				if errorOccurred {
					d.log.Info("HID request succeeded after retries")
				}
				d.online.Store(true)
				return port

			case status == StatusUnknownCommand:
				// The link is alive even though the MCU lost state.
				d.log.Error("HID did not recognize the request", "request", request[:])
				d.online.Store(true)
				return port

			case status == StatusRebooted:
				d.log.Error("no previous command state inside HID, it was probably rebooted")
				d.online.Store(true)
				return port

			case status == StatusTimeout:
				d.log.Error("got request timeout from HID", "request", request[:])

			case status == StatusCRCError:
				d.log.Error("got CRC error of request from HID", "request", request[:])

			default:
				d.log.Error("invalid response status from HID",
					"request", request[:], "status", response[1])
			}
			commonRetries--
		}

		errorOccurred = true
		d.online.Store(false)

		if commonRetries > 0 && readRetries > 0 {
			d.log.Error("retries left", "common", commonRetries, "read", readRetries)
			time.Sleep(d.cfg.RetriesDelay)
		}
	}

	d.log.Error("can't process HID request, out of retries", "request", request[:])
	return port
}

// exchange performs one write/read cycle. A short or empty response is not
// an error here; the retry loop classifies it.
func (d *Driver) exchange(port Port, request [RequestSize]byte) ([]byte, error) {
	if d.cfg.Noop {
		response := []byte{frameMagic, byte(StatusOK), 0, 0}
		binary.BigEndian.PutUint16(response[2:], crc16(response[:2]))
		return response, nil
	}

	if err := port.Drain(); err != nil {
		return nil, err
	}
	if _, err := port.Write(request[:]); err != nil {
		return nil, err
	}

	response := make([]byte, ResponseSize)
	filled := 0
	for filled < ResponseSize {
		n, err := port.Read(response[filled:])
		if err != nil {
			return nil, err
		}
		if n == 0 { // read timeout
			break
		}
		filled += n
	}
	return response[:filled], nil
}

// EmergencyClearEvents sends the clear-all frame directly against the
// device, bypassing the driver entirely. It is a degraded best-effort
// fallback for when the daemon is not running; all errors are swallowed
// after logging.
func EmergencyClearEvents(cfg Config, log *slog.Logger) {
	full := cfg.withDefaults()
	port, err := OpenSerial(full.Device, full.Baud, full.ReadTimeout)
	if err != nil {
		log.Error("can't open HID device for emergency clear", "error", err)
		return
	}
	defer func() { _ = port.Close() }()

	request := WrapRequest([5]byte{OpClearAll})
	if _, err := port.Write(request[:]); err != nil {
		log.Error("can't send emergency clear", "error", err)
	}
}
