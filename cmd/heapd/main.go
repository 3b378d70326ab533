// Command heapd runs a region heap and serves its diagnostics over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JBossBC/regionheap"
	"github.com/JBossBC/regionheap/config"
	"github.com/JBossBC/regionheap/diagnostics"
	"github.com/JBossBC/regionheap/memoryAlloc"
)

func main() {
	var (
		configPath    = flag.String("config", "", "TOML or YAML configuration file")
		listen        = flag.String("listen", "", "diagnostics address, overrides the configuration")
		backing       = flag.String("backing", "", "memory or memfd, overrides the configuration")
		cycleInterval = flag.Duration("cycle-interval", 0, "request a collection cycle this often (0 disables)")
		debug         = flag.Bool("debug", false, "log at debug level")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *configPath, *listen, *backing, *cycleInterval); err != nil {
		logger.Error("heapd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func loadConfig(path, listen, backing string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if listen != "" {
		cfg.Diagnostics.Listen = listen
	}
	if backing != "" {
		cfg.Backing = backing
	}
	return cfg, cfg.Validate()
}

func run(logger *slog.Logger, path, listen, backing string, cycleInterval time.Duration) error {
	cfg, err := loadConfig(path, listen, backing)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	heap, err := regionheap.New(cfg, regionheap.WithLogger(logger))
	if err != nil {
		return err
	}
	defer heap.Close()

	errc := make(chan error, 1)
	var server *diagnostics.Server
	if cfg.Diagnostics.Listen != "" {
		server = diagnostics.NewServer(cfg.Diagnostics.Listen, heap,
			diagnostics.WithLogger(logger),
			diagnostics.WithStreamInterval(cfg.Diagnostics.StreamInterval.Std()))
		go func() {
			errc <- server.ListenAndServe()
		}()
	}

	var tick <-chan time.Time
	if cycleInterval > 0 {
		ticker := time.NewTicker(cycleInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			heap.Collect(memoryAlloc.CauseTimer)
		case err := <-errc:
			return err
		case <-ctx.Done():
			logger.Info("shutting down")
			if server != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return err
				}
			}
			return nil
		}
	}
}
