package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/puzzlectl/internal/config"
	"github.com/danmuck/puzzlectl/internal/logging"
	"github.com/danmuck/puzzlectl/internal/remote"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 10 * time.Second

func main() {
	configPath := flag.String("config", "cmd/visionctl/config.toml", "vision fixture config path")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "visionctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadVisionConfig(path)
	if err != nil {
		return err
	}
	srv, err := newServer(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("name", cfg.Name).Str("addr", cfg.Addr).Msg("visionctl starting")
	go heartbeat(ctx, srv, heartbeatInterval)
	err = srv.ListenAndServe(ctx, cfg.Addr)
	log.Info().Uint64("served", srv.Served()).Msg("visionctl stopped")
	return err
}

// heartbeat logs server load until ctx ends.
func heartbeat(ctx context.Context, srv *remote.Server, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Info().
				Int64("active_clients", srv.ActiveClients()).
				Uint64("served", srv.Served()).
				Msg("visionctl heartbeat")
		}
	}
}

func newServer(cfg config.VisionConfig) (*remote.Server, error) {
	srv := remote.NewServer()
	srv.IdleTimeout = cfg.IdleTimeoutOr(srv.IdleTimeout)
	for op, fixture := range config.Fixtures(cfg.Operations) {
		if err := srv.Handle(op, remote.FixtureHandler(fixture)); err != nil {
			return nil, err
		}
	}
	return srv, nil
}
