package main

import (
	"flag"
	"fmt"
)

// Config holds exposer runtime configuration.
type Config struct {
	LocalPort    int    // positional
	RelayHost    string // --on, required
	Name         string
	RelayPort    int
	RelayIP      string
	LocalHost    string
	OverrideHost string
	HTTP         bool
	Password     string
	Concurrency  int
	Debug        bool
}

var cfg Config

func init() {
	flag.StringVar(&cfg.RelayHost, "on", "", "couloir relay domain (required)")
	flag.StringVar(&cfg.Name, "as", "", "couloir name to claim; empty for a relay-assigned one")
	flag.IntVar(&cfg.RelayPort, "relay-port", 0, "relay port (default 443, or 80 with --http)")
	flag.StringVar(&cfg.RelayIP, "relay-ip", "", "dial this IP instead of resolving the relay domain")
	flag.StringVar(&cfg.LocalHost, "local-host", "127.0.0.1", "local HTTP server host")
	flag.StringVar(&cfg.OverrideHost, "override-host", "", "rewrite the forwarded Host header to this value")
	flag.BoolVar(&cfg.HTTP, "http", false, "plain TCP to the relay instead of TLS")
	flag.StringVar(&cfg.Password, "password", "", "relay password")
	flag.IntVar(&cfg.Concurrency, "concurrency", 10, "idle relay sockets to keep open")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: expose <local-port> --on <relay-host> [flags]\n\nflags:\n")
		flag.PrintDefaults()
	}
}
