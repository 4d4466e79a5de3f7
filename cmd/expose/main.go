package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/matst80/couloir/internal/expose"
	"github.com/matst80/couloir/internal/obs"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 || cfg.RelayHost == "" {
		flag.Usage()
		os.Exit(2)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil || port <= 0 {
		obs.Error("config.local_port", obs.Fields{"arg": flag.Arg(0)})
		os.Exit(2)
	}
	cfg.LocalPort = port
	if cfg.Debug {
		obs.EnableDebug(true)
	}

	pool, err := expose.New(expose.Config{
		LocalHost:    cfg.LocalHost,
		LocalPort:    cfg.LocalPort,
		RelayHost:    cfg.RelayHost,
		RelayIP:      cfg.RelayIP,
		RelayPort:    cfg.RelayPort,
		Name:         cfg.Name,
		Password:     cfg.Password,
		OverrideHost: cfg.OverrideHost,
		HTTP:         cfg.HTTP,
		Concurrency:  cfg.Concurrency,
	})
	if err != nil {
		obs.Error("config.invalid", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		obs.Error("expose.fatal", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("expose.stopped", obs.Fields{"host": pool.Host()})
}
