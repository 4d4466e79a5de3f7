package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration, from flags and the optional YAML
// file. Flags given on the command line win over file values.
type Config struct {
	Domain string

	Port     int    `yaml:"port"`
	HTTP     bool   `yaml:"http"`
	Password string `yaml:"password"`
	Email    string `yaml:"email"`
	CertDir  string `yaml:"certs_dir"`

	MetricsAddr   string `yaml:"metrics"`
	RedisAddr     string `yaml:"redis"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	HeaderTimeout   time.Duration `yaml:"header_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxPreface      int           `yaml:"max_preface"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	OpenGrace       time.Duration `yaml:"open_grace"`

	ConnRate      int `yaml:"conn_rate"`
	PerIPConnRate int `yaml:"per_ip_conn_rate"`
	ConnBurst     int `yaml:"conn_burst"`

	Debug      bool   `yaml:"debug"`
	ConfigFile string `yaml:"-"`
}

var cfg Config

func init() {
	flag.IntVar(&cfg.Port, "port", 0, "relay listen port (default 443, or 80 with --http)")
	flag.BoolVar(&cfg.HTTP, "http", false, "serve plain HTTP instead of TLS with on-demand certificates")
	flag.StringVar(&cfg.Password, "password", "", "shared password exposers must present on OPEN_COULOIR")
	flag.StringVar(&cfg.Email, "email", "", "ACME account contact email")
	flag.StringVar(&cfg.CertDir, "certs", "", "certificate cache directory (default ~/.couloir.certs)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "optional Redis address for the cross-relay couloir directory")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	flag.DurationVar(&cfg.HeaderTimeout, "header-timeout", 30*time.Second, "time limit for reading a connection preface")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "time limit for a client to be paired with an exposer")
	flag.IntVar(&cfg.MaxPreface, "max-preface", 64*1024, "maximum buffered preface bytes before classification")
	flag.DurationVar(&cfg.CleanupInterval, "cleanup-interval", 5*time.Second, "interval for sweeping orphaned couloirs")
	flag.DurationVar(&cfg.OpenGrace, "open-grace", 30*time.Second, "how long an opened couloir may wait for its first join")
	flag.IntVar(&cfg.ConnRate, "conn-rate", 0, "global accepted connections per second (0 disables)")
	flag.IntVar(&cfg.PerIPConnRate, "per-ip-conn-rate", 0, "per-IP accepted connections per second (0 disables)")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", 50, "rate limiter burst capacity")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.ConfigFile, "config", "", "optional YAML config file; flags override it")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: relay <domain> [flags]\n\nflags:\n")
		flag.PrintDefaults()
	}
}

// loadConfigFile merges the YAML file into cfg without clobbering flags the
// user set explicitly.
func loadConfigFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file Config
	if err := yaml.Unmarshal(b, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["port"] && file.Port != 0 {
		cfg.Port = file.Port
	}
	if !set["http"] && file.HTTP {
		cfg.HTTP = file.HTTP
	}
	if !set["password"] && file.Password != "" {
		cfg.Password = file.Password
	}
	if !set["email"] && file.Email != "" {
		cfg.Email = file.Email
	}
	if !set["certs"] && file.CertDir != "" {
		cfg.CertDir = file.CertDir
	}
	if !set["metrics"] && file.MetricsAddr != "" {
		cfg.MetricsAddr = file.MetricsAddr
	}
	if !set["redis"] && file.RedisAddr != "" {
		cfg.RedisAddr = file.RedisAddr
	}
	if !set["redis-password"] && file.RedisPassword != "" {
		cfg.RedisPassword = file.RedisPassword
	}
	if !set["redis-db"] && file.RedisDB != 0 {
		cfg.RedisDB = file.RedisDB
	}
	if !set["header-timeout"] && file.HeaderTimeout != 0 {
		cfg.HeaderTimeout = file.HeaderTimeout
	}
	if !set["request-timeout"] && file.RequestTimeout != 0 {
		cfg.RequestTimeout = file.RequestTimeout
	}
	if !set["max-preface"] && file.MaxPreface != 0 {
		cfg.MaxPreface = file.MaxPreface
	}
	if !set["cleanup-interval"] && file.CleanupInterval != 0 {
		cfg.CleanupInterval = file.CleanupInterval
	}
	if !set["open-grace"] && file.OpenGrace != 0 {
		cfg.OpenGrace = file.OpenGrace
	}
	if !set["conn-rate"] && file.ConnRate != 0 {
		cfg.ConnRate = file.ConnRate
	}
	if !set["per-ip-conn-rate"] && file.PerIPConnRate != 0 {
		cfg.PerIPConnRate = file.PerIPConnRate
	}
	if !set["conn-burst"] && file.ConnBurst != 0 {
		cfg.ConnBurst = file.ConnBurst
	}
	if !set["debug"] && file.Debug {
		cfg.Debug = file.Debug
	}
	return nil
}
