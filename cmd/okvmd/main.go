// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: The okvmd Authors

// okvmd is a KVM-over-IP daemon: it serves VNC clients and bridges their
// keyboard and mouse input onto a serial-attached HID microcontroller.
package main

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/okvmd/okvmd/internal/aioregion"
	"github.com/okvmd/okvmd/internal/atx"
	"github.com/okvmd/okvmd/internal/config"
	"github.com/okvmd/okvmd/internal/hid"
	"github.com/okvmd/okvmd/internal/rfb"
	"github.com/okvmd/okvmd/internal/video"
	"github.com/okvmd/okvmd/internal/vnc"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML configuration file")
	emergencyClear := pflag.Bool("emergency-clear", false, "send a clear-all frame directly to the HID device and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	log := newLogger(cfg.Log)

	if *emergencyClear {
		// Degraded fallback for a stuck key while the daemon is down.
		hid.EmergencyClearEvents(hidConfig(cfg.HID), log)
		return
	}

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hidCfg := hidConfig(cfg.HID)
	driver := hid.NewDriver(hidCfg, hid.SerialOpener(hidCfg), log)

	security, err := securityConfig(cfg, log)
	if err != nil {
		return err
	}

	notifier := aioregion.NewNotifier()
	power := atx.New(
		newGPIOLine(log, "power"),
		newGPIOLine(log, "reset"),
		notifier,
		log,
	)

	server := vnc.NewServer(vnc.Options{
		Listen: cfg.Server.Listen,
		Params: rfb.Params{
			Width:  cfg.Server.Width,
			Height: cfg.Server.Height,
			Name:   cfg.Server.Name,
		},
		Security:   security,
		QueueDepth: cfg.Server.QueueDepth,
		NewSource: func() video.Source {
			return video.NewTestPattern(cfg.Server.Width, cfg.Server.Height, cfg.Video.Quality, cfg.Video.FPS)
		},
	}, driver, authorizer(cfg.Auth.Users), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	if cfg.ATX.Enabled {
		// SIGUSR1 clicks power, SIGUSR2 clicks reset. A click arriving
		// while another is in flight is reported as busy, not queued.
		g.Go(func() error {
			return watchATXSignals(gctx, power, log)
		})
		g.Go(func() error {
			return watchRegion(gctx, notifier, power, log)
		})
	}

	log.Info("okvmd started")
	return g.Wait()
}

func watchATXSignals(ctx context.Context, power *atx.Control, log *slog.Logger) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-signals:
			var err error
			if sig == syscall.SIGUSR1 {
				err = power.ClickPower(ctx)
			} else {
				err = power.ClickReset(ctx)
			}
			var busy *aioregion.BusyError
			switch {
			case err == nil:
			case errors.As(err, &busy):
				log.Warn("ATX click rejected, another operation is in progress")
			default:
				log.Error("ATX click failed", "error", err)
			}
		}
	}
}

// watchRegion logs every busy/free transition of the ATX click region.
func watchRegion(ctx context.Context, notifier *aioregion.Notifier, power *atx.Control, log *slog.Logger) error {
	for {
		if err := notifier.Wait(ctx); err != nil {
			return err
		}
		log.Info("ATX state changed", "busy", power.IsBusy())
	}
}

func hidConfig(h config.HID) hid.Config {
	return hid.Config{
		Device:        h.Device,
		Baud:          h.Baud,
		ReadTimeout:   h.ReadTimeout.Std(),
		ReadRetries:   h.ReadRetries,
		CommonRetries: h.CommonRetries,
		RetriesDelay:  h.RetriesDelay.Std(),
		Noop:          h.Noop,
	}
}

func securityConfig(cfg config.Config, log *slog.Logger) (rfb.SecurityConfig, error) {
	sec := rfb.SecurityConfig{
		NoneAuth:     cfg.Auth.None,
		UserPassAuth: len(cfg.Auth.Users) > 0,
		VNCAuth:      rfb.NewVNCAuthManager(cfg.Auth.VNCAuth.File, cfg.Auth.VNCAuth.Enabled, log),
		TLSTimeout:   cfg.Server.TLS.Timeout.Std(),
	}
	if cfg.Server.TLS.Cert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Server.TLS.Cert, cfg.Server.TLS.Key)
		if err != nil {
			return sec, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		sec.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return sec, nil
}

// authorizer builds the Plain auth callback over the static user table.
func authorizer(users map[string]string) vnc.AuthorizeFunc {
	return func(_ context.Context, user, passwd string) (bool, error) {
		expected, ok := users[user]
		if !ok {
			return false, nil
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(passwd)) == 1, nil
	}
}

func newLogger(cfg config.Log) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// gpioLine is a placeholder ATX output that only logs transitions. Real
// GPIO plumbing is platform-specific and lives outside this daemon.
type gpioLine struct {
	log  *slog.Logger
	name string
}

func newGPIOLine(log *slog.Logger, name string) *gpioLine {
	return &gpioLine{log: log, name: name}
}

func (l *gpioLine) Write(state bool) error {
	l.log.Debug("GPIO write", "line", l.name, "state", state)
	return nil
}
