// Command mapperfs serves device attributes over a FUSE mount and an HTTP
// API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/objectfs/mapperfs/internal/adapter"
	"github.com/objectfs/mapperfs/internal/config"
	"github.com/objectfs/mapperfs/pkg/utils"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mapperfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to the YAML configuration file")
	mountpoint := flag.String("mount", "", "mount the attribute tree at this directory")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("mapperfs", version)
		return nil
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *mountpoint != "" {
		cfg.Mount.Enabled = true
		cfg.Mount.Mountpoint = *mountpoint
	}

	logger, closeLog, err := newLogger(cfg.Global)
	if err != nil {
		return err
	}
	defer closeLog()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	logger.Info("mapperfs running", map[string]interface{}{"version": version})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.Wait)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", nil)

		// drain timeout is applied inside Stop; this bounds the transports
		timeout := max(cfg.API.ShutdownTimeout+cfg.Global.DrainTimeout, shutdownGrace)
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.Stop(stopCtx)
	})
	return g.Wait()
}

func newLogger(global config.GlobalConfig) (*utils.StructuredLogger, func(), error) {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := utils.ParseLogFormat(global.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	if global.LogFile != "" {
		f, err := os.OpenFile(global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}

	logger, err := utils.NewStructuredLogger(&utils.StructuredLoggerConfig{
		Level:         level,
		Output:        out,
		Format:        format,
		IncludeCaller: true,
	})
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return logger, closeFn, nil
}

// shutdownGrace is the minimum time given to Stop.
const shutdownGrace = 5 * time.Second
