// Package certs acquires and serves TLS certificates on demand. ACME orders
// and disk caching ride on golang.org/x/crypto/acme/autocert: one account key
// shared across hostnames, HTTP-01 answered on the plain port-80 listener,
// and cache files staged and renamed atomically by autocert's DirCache.
package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/matst80/couloir/internal/obs"
)

// DefaultDirName is the cache directory created under the user's home when
// no directory is configured.
const DefaultDirName = ".couloir.certs"

const defaultEnsureTimeout = 30 * time.Second

// Config configures a Service.
type Config struct {
	// Dir is the on-disk certificate cache. Empty means ~/.couloir.certs.
	Dir string
	// Email is the ACME account contact.
	Email string
	// Allow decides which hostnames may be ordered. Required.
	Allow func(host string) bool
	// EnsureTimeout bounds how long an SNI handshake may stall on a cold
	// certificate before failing with an alert. Zero means 30s.
	EnsureTimeout time.Duration

	// Obtain overrides the ACME order path. Tests and alternative issuers
	// only; nil selects autocert.
	Obtain func(ctx context.Context, host string) (*tls.Certificate, error)
}

// DefaultDir resolves the default cache directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultDirName), nil
}

type order struct {
	done chan struct{}
	cert *tls.Certificate
	err  error
}

// Service hands out certificates for couloir hostnames. Ensure coalesces
// concurrent orders for one hostname into a single ACME order; GetCertificate
// is the SNI callback and stalls the handshake up to EnsureTimeout while a
// cold certificate is ordered (choice (a): the relay pre-warms the apex and
// the first default name so cold stalls stay rare).
type Service struct {
	manager *autocert.Manager
	allow   func(string) bool
	obtain  func(ctx context.Context, host string) (*tls.Certificate, error)
	timeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	cache    map[string]*tls.Certificate
	inflight map[string]*order
}

// New creates the service and its cache directory.
func New(cfg Config) (*Service, error) {
	if cfg.Allow == nil {
		return nil, errors.New("certs: Allow policy is required")
	}
	dir := cfg.Dir
	if dir == "" {
		var err error
		if dir, err = DefaultDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}
	s := &Service{
		allow:    cfg.Allow,
		obtain:   cfg.Obtain,
		timeout:  cfg.EnsureTimeout,
		cache:    make(map[string]*tls.Certificate),
		inflight: make(map[string]*order),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	if s.timeout <= 0 {
		s.timeout = defaultEnsureTimeout
	}
	s.manager = &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache(dir),
		Email:  cfg.Email,
		HostPolicy: func(_ context.Context, host string) error {
			if !cfg.Allow(host) {
				return fmt.Errorf("host %q not allowed", host)
			}
			return nil
		},
	}
	if s.obtain == nil {
		s.obtain = func(_ context.Context, host string) (*tls.Certificate, error) {
			// autocert manages its own order timeout and disk writes
			return s.manager.GetCertificate(&tls.ClientHelloInfo{ServerName: host})
		}
	}
	return s, nil
}

// HTTPHandler serves ACME HTTP-01 challenges and redirects everything else
// to HTTPS. Mount on the plain port-80 listener.
func (s *Service) HTTPHandler() http.Handler {
	return s.manager.HTTPHandler(nil)
}

// Ensure returns the certificate for host, running at most one order per
// hostname regardless of caller count. ctx cancels the caller's wait, not an
// order already in flight.
func (s *Service) Ensure(ctx context.Context, host string) (*tls.Certificate, error) {
	if !s.allow(host) {
		return nil, fmt.Errorf("host %q not allowed", host)
	}
	s.mu.Lock()
	if cert, ok := s.cache[host]; ok {
		s.mu.Unlock()
		return cert, nil
	}
	o, running := s.inflight[host]
	if !running {
		o = &order{done: make(chan struct{})}
		s.inflight[host] = o
		s.mu.Unlock()
		obs.CertOrdersTotal.Inc()
		obs.Info("cert.order", obs.Fields{"host": host})
		go s.runOrder(host, o)
	} else {
		s.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.done:
		return o.cert, o.err
	}
}

// Close cancels the context handed to in-flight orders: an Obtain that honours
// it ends early and its waiters observe the cancellation error. The default
// autocert path does not take that context, so its orders are not cancelled
// and run to completion.
func (s *Service) Close() { s.cancel() }

func (s *Service) runOrder(host string, o *order) {
	ctx, cancel := context.WithTimeout(s.baseCtx, 5*time.Minute)
	defer cancel()
	cert, err := s.obtain(ctx, host)
	s.mu.Lock()
	delete(s.inflight, host)
	if err == nil {
		s.cache[host] = cert
	}
	s.mu.Unlock()
	if err != nil {
		obs.Warn("cert.order_failed", obs.Fields{"host": host, "err": err.Error()})
	}
	o.cert, o.err = cert, err
	close(o.done)
}

// GetCertificate is the SNI callback for the TLS listener.
func (s *Service) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, errors.New("missing server name")
	}
	s.mu.Lock()
	if cert, ok := s.cache[host]; ok {
		s.mu.Unlock()
		return cert, nil
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	cert, err := s.Ensure(ctx, host)
	if err != nil {
		obs.Warn("cert.unavailable", obs.Fields{"host": host, "err": err.Error()})
		return nil, fmt.Errorf("no certificate for %q: %w", host, err)
	}
	return cert, nil
}

// Warm starts background orders so the first real handshake finds the
// certificates already cached.
func (s *Service) Warm(ctx context.Context, hosts ...string) {
	for _, host := range hosts {
		go func(h string) {
			if _, err := s.Ensure(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				obs.Warn("cert.warm", obs.Fields{"host": h, "err": err.Error()})
			}
		}(host)
	}
}
