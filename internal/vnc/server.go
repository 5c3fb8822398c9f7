// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// Package vnc runs the VNC server: it accepts TCP connections, drives the
// RFB handshake and serving loop for each client, pumps video frames into
// the per-client mux, and forwards decoded input events to the HID link.
package vnc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/okvmd/okvmd/internal/hid"
	"github.com/okvmd/okvmd/internal/rfb"
	"github.com/okvmd/okvmd/internal/video"
)

// AuthorizeFunc validates Plain (username+password) credentials.
type AuthorizeFunc func(ctx context.Context, user, passwd string) (bool, error)

// Options configures the server.
type Options struct {
	Listen     string
	Params     rfb.Params
	Security   rfb.SecurityConfig
	QueueDepth int

	// NewSource creates a per-client frame source. Sources are not
	// required to be safe for concurrent use.
	NewSource func() video.Source
}

// Server accepts and serves VNC clients.
type Server struct {
	opts      Options
	driver    *hid.Driver
	authorize AuthorizeFunc
	log       *slog.Logger

	// shared is the framebuffer state every session negotiates against: a
	// resize on one session is visible to clients connecting later.
	shared *rfb.SharedParams
}

// NewServer wires the server to the shared HID driver.
func NewServer(opts Options, driver *hid.Driver, authorize AuthorizeFunc, log *slog.Logger) *Server {
	return &Server{
		opts:      opts,
		driver:    driver,
		authorize: authorize,
		log:       log,
		shared:    rfb.NewSharedParams(opts.Params),
	}
}

// Run listens and serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.opts.Listen)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	s.log.Info("VNC server listening", "addr", s.opts.Listen)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClient(ctx, conn)
		}()
	}
}

// client carries the per-connection state shared between the serving loop
// callbacks and the frame pump.
type client struct {
	server *Server
	queue  *rfb.FrameQueue

	// ready is closed when the first valid SetEncodings arrives; no
	// frames may be sent before the capability set is known.
	ready     chan struct{}
	readyOnce sync.Once

	fbRequested atomic.Bool

	// lastMove suppresses repeated absolute moves to the same position.
	// Only the serving goroutine touches it.
	lastMove *rfb.PointerMove

	clipMu    sync.Mutex
	clipboard string
}

func (s *Server) serveClient(ctx context.Context, conn net.Conn) {
	c := &client{
		server: s,
		queue:  rfb.NewFrameQueue(s.opts.QueueDepth),
		ready:  make(chan struct{}),
	}
	session := rfb.NewSession(conn, s.shared, s.opts.Security, c, s.log)
	mux := rfb.NewMux(session)
	log := session.Logger()
	log.Info("client connected")

	// Make sure a crashed or disconnected client leaves no keys pressed
	// on the target.
	defer s.driver.ClearEvents()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return session.Run(gctx)
	})
	g.Go(func() error {
		return c.produceFrames(gctx, s.opts.NewSource())
	})
	g.Go(func() error {
		return c.sendFrames(gctx, mux)
	})

	err := g.Wait()
	session.Close()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("client disconnected")
	case rfb.IsRFBError(err, rfb.ErrNetwork):
		log.Info("client gone", "error", err)
	default:
		log.Warn("client disconnected with error", "error", err)
	}
}

func (c *client) produceFrames(ctx context.Context, source video.Source) error {
	for {
		frame, err := source.NextFrame(ctx, c.queue.NeedKeyframe())
		if err != nil {
			return err
		}
		c.queue.Push(frame)
	}
}

func (c *client) sendFrames(ctx context.Context, mux *rfb.Mux) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ready:
	}
	for {
		frame, err := c.queue.Pop(ctx)
		if err != nil {
			return err
		}
		// JPEG updates are client-driven; H264 streams continuously.
		if frame.Format == rfb.FormatJPEG && !c.fbRequested.Load() {
			continue
		}
		c.fbRequested.Store(false)
		if err := mux.SendFrame(frame); err != nil {
			return err
		}
	}
}

// ----- rfb.Handler -----

func (c *client) Authorize(ctx context.Context, user, passwd string) (bool, error) {
	if c.server.authorize == nil {
		return false, nil
	}
	return c.server.authorize(ctx, user, passwd)
}

func (c *client) OnKeyEvent(key string, state bool) error {
	c.server.driver.SendKey(key, state)
	return nil
}

func (c *client) OnPointerEvent(buttons rfb.PointerButtons, wheel rfb.PointerWheel, move rfb.PointerMove) error {
	// The serial protocol knows left and right only; middle clicks are
	// dropped at the driver.
	c.server.driver.SendMouseButton(hid.MouseLeft, buttons.Left)
	c.server.driver.SendMouseButton(hid.MouseRight, buttons.Right)
	if wheel.Y != 0 {
		c.server.driver.SendMouseWheel(wheel.Y)
	}
	if c.lastMove == nil || *c.lastMove != move {
		c.server.driver.SendMouseMove(move.X, move.Y)
		c.lastMove = &move
	}
	return nil
}

func (c *client) OnCutEvent(text string) error {
	c.clipMu.Lock()
	c.clipboard = text
	c.clipMu.Unlock()
	return nil
}

func (c *client) OnSetEncodings(rfb.ClientEncodings) error {
	c.readyOnce.Do(func() {
		close(c.ready)
	})
	return nil
}

func (c *client) OnFBUpdateRequest() error {
	c.fbRequested.Store(true)
	return nil
}
