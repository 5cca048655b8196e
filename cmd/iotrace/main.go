// Command iotrace replays a recorded port-I/O trace against the legacy PC
// device layer and reports the first access that diverges.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/legacypc/internal/config"
	"github.com/tinyrange/legacypc/internal/hv"
	"github.com/tinyrange/legacypc/internal/machine"
)

const statsInterval = time.Second

func run() error {
	configPath := flag.String("config", "", "machine configuration (YAML)")
	tracePath := flag.String("trace", "", "port-I/O trace to replay (YAML)")
	debug := flag.Bool("debug", false, "log every port access")
	interrupts := flag.Bool("interrupts", false, "run the PIC and PIT clocks while replaying")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `iotrace - replay port I/O against the legacy PC devices

USAGE:
  iotrace -config machine.yml -trace probe.yml

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" || *tracePath == "" {
		flag.Usage()
		os.Exit(2)
	}

	fs := afero.NewOsFs()
	cfg, err := config.Load(fs, *configPath)
	if err != nil {
		return err
	}

	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	tr, err := loadTrace(fs, *tracePath)
	if err != nil {
		return err
	}

	var injected atomic.Uint64
	var host hv.InterruptInjector
	if *interrupts {
		host = hv.InterruptInjectorFuncs{
			EnabledFunc: func() bool { return cfg.InterruptsEnabled },
			InjectFunc: func(vector uint8) error {
				injected.Add(1)
				slog.Debug("iotrace: inject", "vector", fmt.Sprintf("0x%02x", vector))
				return nil
			},
		}
	}

	m, err := machine.New(cfg, host, machine.WithFs(fs))
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			slog.Warn("iotrace: close machine", "err", err)
		}
	}()

	if *interrupts {
		if err := m.Start(); err != nil {
			return err
		}
	}

	var bar *progressbar.ProgressBar
	if !*debug && term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.Default(int64(tr.total()), "replay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return replay(gctx, m, tr, func() {
			if bar != nil {
				bar.Add(1)
			}
		})
	})
	if *interrupts {
		g.Go(func() error {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					stats := m.PIC().Stats()
					slog.Info("iotrace: interrupts", "injected", stats.Injected, "dropped", stats.Dropped)
				}
			}
		})
	}

	start := time.Now()
	err = g.Wait()
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	slog.Info("iotrace: trace replayed",
		"name", tr.Name,
		"accesses", tr.total(),
		"elapsed", time.Since(start),
		"injected", injected.Load())
	return nil
}

func main() {
	if err := run(); err != nil {
		switch {
		case errors.Is(err, errMismatch):
			slog.Error("iotrace: mismatch", "err", err)
		case errors.Is(err, hv.ErrProtocolViolation):
			slog.Error("iotrace: protocol violation", "err", err)
		default:
			slog.Error("iotrace", "err", err)
		}
		os.Exit(1)
	}
}
