// Command serialmux is the mux's process entry point: parse the CLI
// surface, build the process logger and metrics collector, open the
// downstream transport, and hand everything to the supervisor.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GaryMatthews/serialmux/internal/config"
	"github.com/GaryMatthews/serialmux/internal/logging"
	"github.com/GaryMatthews/serialmux/internal/metrics"
	"github.com/GaryMatthews/serialmux/internal/supervisor"
	"github.com/GaryMatthews/serialmux/internal/transport"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, exitNow, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serialmux:", err)
		return 1
	}
	if exitNow {
		return 0
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "serialmux: invalid configuration:", err)
		return 1
	}

	if cfg.Directory != "" {
		if err := os.Chdir(cfg.Directory); err != nil {
			fmt.Fprintln(os.Stderr, "serialmux: chdir:", err)
			return 1
		}
	}

	log, err := logging.New(cfg.LoggingConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "serialmux: building logger:", err)
		return 1
	}
	defer log.Sync()

	mx := metrics.NewCollector(cfg.ServiceName)

	open, err := transportOpener(cfg)
	if err != nil {
		log.Error("unsupported transport configuration", zap.Error(err))
		return 1
	}

	sup := supervisor.New(open, supervisor.Config{
		ListenAddr:     cfg.ListenAddr(),
		AuthToken:      []byte(cfg.AuthToken),
		Retries:        cfg.CommandRetries,
		CommandTimeout: cfg.CommandTimeoutDur(),
		Version:        config.Version,
	}, log, mx)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	if cfg.MetricsListen != "" {
		go func() {
			log.Info("serving metrics", zap.String("addr", cfg.MetricsListen))
			if err := metrics.Serve(ctx, cfg.MetricsListen); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	if err := sup.Run(ctx); err != nil {
		log.Error("supervisor exited with error", zap.Error(err))
		return 1
	}

	// Give in-flight client writes a moment to flush before the
	// process exits.
	time.Sleep(100 * time.Millisecond)
	log.Info("shutdown complete")
	return 0
}

// transportOpener builds the TransportOpener for cfg.Port. A numeric
// port dials a UDP loopback socket; anything else names a serial
// device, which this checkout can't open — no serial port driver is
// available.
func transportOpener(cfg config.Config) (supervisor.TransportOpener, error) {
	if port, err := strconv.Atoi(cfg.Port); err == nil {
		return func(ctx context.Context) (transport.Transport, error) {
			return transport.DialUDPLoopback(port)
		}, nil
	}
	return nil, fmt.Errorf("serial device transport (%q) is not supported by this build: no serial port driver is available", cfg.Port)
}
