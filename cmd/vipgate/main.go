package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/driftlabs/vipgate/internal/config"
	"github.com/driftlabs/vipgate/internal/router"
	"github.com/driftlabs/vipgate/internal/server"
	"github.com/driftlabs/vipgate/internal/tracing"
	"github.com/driftlabs/vipgate/internal/upgrade"
	"github.com/driftlabs/vipgate/pkg/xlog"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to config.toml")
	flag.Parse()

	xlog.Infof("starting vipgate...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		xlog.Errorf("unable to read config file %s: %v", *configPath, err)
		os.Exit(1)
	}
	xlog.SetDebug(cfg.Debug)

	apps := cfg.Apps
	if cfg.Redis.Enabled {
		redisStore, err := config.NewRedisStore(&cfg.Redis)
		if err != nil {
			xlog.Errorf("redis bootstrap store: %v", err)
			os.Exit(1)
		}
		defer redisStore.Close()

		extra, err := redisStore.LoadApps()
		if err != nil {
			xlog.Errorf("loading apps from redis: %v", err)
			os.Exit(1)
		}
		apps = append(apps, extra...)
	}

	rt, err := router.New(apps)
	if err != nil {
		xlog.Errorf("building routing table: %v", err)
		os.Exit(1)
	}

	if err := tracing.Init(cfg.Tracing.JaegerEndpoint); err != nil {
		xlog.Errorf("initializing tracing: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg, rt)
	if err := srv.Start(ctx); err != nil {
		xlog.Errorf("starting server: %v", err)
		os.Exit(1)
	}

	handler := upgrade.New(srv)
	handler.Run(ctx, cfg.ControlSocketPath)

	xlog.Infof("draining, waiting for %d active connections to finish", srv.ActiveConnections())
	for srv.ActiveConnections() > 0 {
		time.Sleep(200 * time.Millisecond)
	}

	if err := srv.Redirector().Close(); err != nil {
		xlog.Warnf("closing redirector: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		xlog.Warnf("shutting down tracing: %v", err)
	}

	xlog.Infof("vipgate exited")
}
