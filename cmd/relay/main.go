package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/matst80/couloir/internal/certs"
	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/presence"
	"github.com/matst80/couloir/internal/ratelimit"
	"github.com/matst80/couloir/internal/relay"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cfg.Domain = strings.ToLower(flag.Arg(0))
	if cfg.ConfigFile != "" {
		if err := loadConfigFile(cfg.ConfigFile); err != nil {
			obs.Error("config.load", obs.Fields{"err": err.Error(), "path": cfg.ConfigFile})
			os.Exit(1)
		}
	}
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if cfg.Password != "" && cfg.HTTP {
		// without TLS the password crosses the wire in clear
		obs.Error("config.password_over_http", obs.Fields{"hint": "drop --http or drop --password"})
		os.Exit(1)
	}
	port := cfg.Port
	if port == 0 {
		if cfg.HTTP {
			port = 80
		} else {
			port = 443
		}
	}
	mode := "tls"
	if cfg.HTTP {
		mode = "http"
	}
	obs.Info("relay.start", obs.Fields{"domain": cfg.Domain, "port": port, "mode": mode, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := relay.NewRegistry(cfg.Domain, cfg.Password)

	var dir *presence.Directory
	if cfg.RedisAddr != "" {
		d, err := presence.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			obs.Error("presence.connect", obs.Fields{"err": err.Error(), "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		registry.OnOpen = d.CouloirOpened
		registry.OnClose = d.CouloirClosed
		go d.Run(ctx)
		dir = d
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		obs.Error("listen.relay", obs.Fields{"err": err.Error(), "port": port})
		os.Exit(1)
	}
	defer ln.Close()

	var acmeLn net.Listener
	var certSvc *certs.Service
	if !cfg.HTTP {
		firstDefault := "couloir." + cfg.Domain
		svc, err := certs.New(certs.Config{
			Dir:   cfg.CertDir,
			Email: cfg.Email,
			Allow: func(host string) bool {
				host = strings.ToLower(host)
				return host == cfg.Domain || host == firstDefault || registry.Has(host)
			},
		})
		if err != nil {
			obs.Error("certs.init", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		acmeLn, err = net.Listen("tcp", ":80")
		if err != nil {
			obs.Error("listen.acme", obs.Fields{"err": err.Error()})
			os.Exit(1)
		}
		acmeSrv := &http.Server{Handler: svc.HTTPHandler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := acmeSrv.Serve(acmeLn); err != nil && err != http.ErrServerClosed {
				obs.Debug("acme.server", obs.Fields{"err": err.Error()})
			}
		}()
		registry.WarmCert = func(host string) { svc.Warm(ctx, host) }
		svc.Warm(ctx, cfg.Domain, firstDefault)
		ln = tls.NewListener(ln, &tls.Config{
			GetCertificate: svc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		})
		certSvc = svc
	}

	var limiter *ratelimit.Limiter
	if cfg.ConnRate > 0 || cfg.PerIPConnRate > 0 {
		limiter = ratelimit.NewLimiter(cfg.ConnRate, cfg.PerIPConnRate, cfg.ConnBurst)
	}

	srv := &relay.Server{
		Registry:       registry,
		HeaderTimeout:  cfg.HeaderTimeout,
		RequestTimeout: cfg.RequestTimeout,
		MaxPreface:     cfg.MaxPreface,
		Limiter:        limiter,
	}

	var ready, closing atomic.Bool
	go startMetricsServer(cfg.MetricsAddr, registry, dir, &ready, &closing)
	go srv.RunCleanup(ctx, cfg.CleanupInterval, cfg.OpenGrace)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); srv.Serve(ctx, ln) }()

	ready.Store(true)
	obs.Info("relay.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("relay.shutdown.signal", obs.Fields{})
	closing.Store(true)
	_ = ln.Close()
	if acmeLn != nil {
		_ = acmeLn.Close()
	}
	if certSvc != nil {
		certSvc.Close()
	}
	registry.Shutdown()
	wg.Wait()
	obs.Info("relay.shutdown.complete", obs.Fields{})
}
