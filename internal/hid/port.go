// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

package hid

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port abstracts the serial device so the driver can be exercised against a
// fake in tests. The driver is the only writer; nothing else may touch the
// device while it runs.
type Port interface {
	// Read fills p with up to len(p) bytes, honoring the port read timeout.
	// A timed-out read returns n < len(p) with a nil error.
	Read(p []byte) (int, error)

	// Write sends p in full.
	Write(p []byte) (int, error)

	// Drain discards any unread input so a response cannot be matched
	// against a stale request.
	Drain() error

	// Close releases the device.
	Close() error
}

// PortOpener opens the serial device. The driver reopens through it when
// probing a link that went away.
type PortOpener func() (Port, error)

// SerialOpener builds a PortOpener bound to the configured device.
func SerialOpener(cfg Config) PortOpener {
	full := cfg.withDefaults()
	return func() (Port, error) {
		return OpenSerial(full.Device, full.Baud, full.ReadTimeout)
	}
}

type serialPort struct {
	port serial.Port
}

// OpenSerial opens path at the given baud rate with a bounded read timeout
// and returns it as a Port.
func OpenSerial(path string, baud int, readTimeout time.Duration) (Port, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("hid: open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("hid: set read timeout on %s: %w", path, err)
	}
	return &serialPort{port: port}, nil
}

func (p *serialPort) Read(buf []byte) (int, error) { return p.port.Read(buf) }

func (p *serialPort) Write(buf []byte) (int, error) { return p.port.Write(buf) }

func (p *serialPort) Drain() error { return p.port.ResetInputBuffer() }

func (p *serialPort) Close() error { return p.port.Close() }
