package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/ratelimit"
	"github.com/matst80/couloir/internal/web"
)

const (
	defaultHeaderTimeout  = 30 * time.Second
	defaultRequestTimeout = 10 * time.Second
	defaultMaxPreface     = 64 * 1024
)

// Server accepts relay-port sockets and drives them through classification,
// registry routing and pairing. Control and HTTP share the one listener.
type Server struct {
	Registry *Registry

	// Zero values select the defaults above.
	HeaderTimeout  time.Duration
	RequestTimeout time.Duration
	MaxPreface     int

	// Limiter, when set, gates accepted connections per remote IP.
	Limiter *ratelimit.Limiter

	streamSeq atomic.Uint64
}

func (srv *Server) headerTimeout() time.Duration {
	if srv.HeaderTimeout > 0 {
		return srv.HeaderTimeout
	}
	return defaultHeaderTimeout
}

func (srv *Server) requestTimeout() time.Duration {
	if srv.RequestTimeout > 0 {
		return srv.RequestTimeout
	}
	return defaultRequestTimeout
}

func (srv *Server) maxPreface() int {
	if srv.MaxPreface > 0 {
		return srv.MaxPreface
	}
	return defaultMaxPreface
}

// Serve accepts until the listener closes or ctx is done. Every socket gets
// its own goroutine; one slow peer cannot stall another.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return
		}
		if srv.Limiter != nil && !srv.Limiter.Allow(remoteIP(c)) {
			obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
			_ = c.Close()
			continue
		}
		go srv.handleConn(c)
	}
}

func remoteIP(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}

// RunCleanup periodically reclaims couloirs that were opened but never
// joined.
func (srv *Server) RunCleanup(ctx context.Context, interval, grace time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := srv.Registry.SweepOrphans(grace); n > 0 {
				obs.Debug("cleanup.orphans", obs.Fields{"count": n})
			}
		}
	}
}

// writePlain emits a minimal HTTP/1.1 error response and closes the socket.
func writePlain(c net.Conn, status int, body string) {
	msg := fmt.Sprintf("HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), len(body), body)
	_, _ = c.Write([]byte(msg))
	_ = c.Close()
}

// writePage renders an HTML template to the raw socket and closes it.
func (srv *Server) writePage(c net.Conn, status int, tmpl string, data map[string]any) {
	var buf bytes.Buffer
	if err := web.Render(&buf, tmpl, data); err != nil {
		writePlain(c, status, http.StatusText(status))
		return
	}
	body := buf.Bytes()
	var head bytes.Buffer
	fmt.Fprintf(&head, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(&head, "Content-Type: text/html; charset=utf-8\r\n")
	fmt.Fprintf(&head, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&head, "Cache-Control: no-store\r\nConnection: close\r\n\r\n")
	_, _ = c.Write(append(head.Bytes(), body...))
	_ = c.Close()
}
