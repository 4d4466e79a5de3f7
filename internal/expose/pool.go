// Package expose implements the private-side pool: it opens (or joins) a
// couloir at the relay and keeps a target number of idle joined sockets
// there, each becoming a pipe to the local HTTP server when the relay sends
// STREAM.
package expose

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/couloir/internal/httpx"
	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/proto"
)

const (
	defaultConcurrency = 10
	dialTimeout        = 10 * time.Second
	maxHeadBytes       = 64 * 1024
)

var badGateway = []byte("HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nBad Gateway")

// Config configures a Pool.
type Config struct {
	LocalHost string // local HTTP server host, default 127.0.0.1
	LocalPort int

	RelayHost string // couloir relay domain, also the TLS SNI
	RelayIP   string // optional dial override
	RelayPort int    // default 443, or 80 in HTTP mode

	Name         string // desired couloir label, "" for a relay-assigned one
	Password     string
	OverrideHost string // rewrite the forwarded Host header
	HTTP         bool   // plain TCP to the relay instead of TLS
	Concurrency  int    // idle socket target, default 10
}

// joined is one control-joined relay socket together with its reader, which
// may hold bytes that arrived in the same segment as a control line.
type joined struct {
	conn net.Conn
	rd   *bufio.Reader
}

// Pool dials the relay, opens the couloir once, and maintains Concurrency
// idle joined sockets, eagerly replacing each one that goes streaming.
type Pool struct {
	cfg   Config
	host  string
	key   string
	idSeq atomic.Uint64

	dialRelay func(ctx context.Context) (net.Conn, error)
	dialLocal func() (net.Conn, error)

	refill chan struct{}
	fatal  chan error
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Pool, error) {
	if cfg.RelayHost == "" {
		return nil, errors.New("relay host is required")
	}
	if cfg.LocalPort <= 0 {
		return nil, errors.New("local port is required")
	}
	if cfg.LocalHost == "" {
		cfg.LocalHost = "127.0.0.1"
	}
	if cfg.RelayPort <= 0 {
		if cfg.HTTP {
			cfg.RelayPort = 80
		} else {
			cfg.RelayPort = 443
		}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	p := &Pool{
		cfg:    cfg,
		refill: make(chan struct{}, cfg.Concurrency),
		fatal:  make(chan error, 1),
	}
	p.dialRelay = p.defaultDialRelay
	localAddr := net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.LocalPort))
	p.dialLocal = func() (net.Conn, error) {
		return net.DialTimeout("tcp", localAddr, dialTimeout)
	}
	return p, nil
}

func (p *Pool) defaultDialRelay(ctx context.Context) (net.Conn, error) {
	host := p.cfg.RelayHost
	if p.cfg.RelayIP != "" {
		host = p.cfg.RelayIP
	}
	addr := net.JoinHostPort(host, strconv.Itoa(p.cfg.RelayPort))
	d := &net.Dialer{Timeout: dialTimeout}
	if p.cfg.HTTP {
		return d.DialContext(ctx, "tcp", addr)
	}
	td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: p.cfg.RelayHost}}
	return td.DialContext(ctx, "tcp", addr)
}

// Host returns the couloir host assigned by the relay, valid after Run has
// opened the couloir.
func (p *Pool) Host() string { return p.host }

// URL returns the public address of the couloir.
func (p *Pool) URL() string {
	if p.cfg.HTTP {
		return "http://" + p.host
	}
	return "https://" + p.host
}

func (p *Pool) nextID() string {
	return strconv.FormatUint(p.idSeq.Add(1), 10)
}

func (p *Pool) fail(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

// Run opens the couloir and serves until ctx ends or a protocol error makes
// continuing pointless (unknown key, bad password, taken name).
func (p *Pool) Run(ctx context.Context) error {
	first, err := p.open(ctx)
	if err != nil {
		return err
	}
	obs.Info("couloir.opened", obs.Fields{"host": p.host, "url": p.URL(), "local": fmt.Sprintf("%s:%d", p.cfg.LocalHost, p.cfg.LocalPort)})

	var wg sync.WaitGroup
	member := func(pre *joined) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.member(ctx, pre)
		}()
	}
	member(first)
	for i := 1; i < p.cfg.Concurrency; i++ {
		member(nil)
	}

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-p.fatal:
			break loop
		case <-p.refill:
			member(nil)
		}
	}
	wg.Wait()
	return runErr
}

// open dials and sends OPEN_COULOIR, then joins the same socket as the first
// pool member.
func (p *Pool) open(ctx context.Context) (*joined, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var host string
	if p.cfg.Name != "" {
		host = p.cfg.Name + "." + p.cfg.RelayHost
	}
	id := p.nextID()
	if err := proto.Write(conn, proto.TagOpen, proto.Open{Host: host, Password: p.cfg.Password}, id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send OPEN_COULOIR: %w", err)
	}
	rd := bufio.NewReader(conn)
	var ack proto.OpenAck
	if err := p.readAck(rd, id, &ack.Error, &ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.host, p.key = ack.Host, ack.Key

	jc, _, err := p.join(ctx, &joined{conn: conn, rd: rd})
	if err != nil {
		return nil, err
	}
	return jc, nil
}

// readAck reads one ACK with the expected ID into out and surfaces a peer
// error verbatim.
func (p *Pool) readAck(rd *bufio.Reader, id string, peerErr *string, out any) error {
	msg, err := proto.ReadMessage(rd)
	if err != nil {
		return fmt.Errorf("read relay response: %w", err)
	}
	if msg.Tag != proto.TagAck || msg.ID != id {
		return fmt.Errorf("unexpected relay response %s %s", msg.Tag, msg.ID)
	}
	if err := msg.Decode(out); err != nil {
		return fmt.Errorf("decode relay response: %w", err)
	}
	if *peerErr != "" {
		return errors.New(*peerErr)
	}
	return nil
}

// join sends JOIN_COULOIR on an established socket (pre) or a fresh dial.
// A relay-rejected join is fatal to the whole pool; transport failures are
// retryable.
func (p *Pool) join(ctx context.Context, pre *joined) (*joined, bool, error) {
	jc := pre
	if jc == nil {
		conn, err := p.connect(ctx)
		if err != nil {
			return nil, false, err
		}
		jc = &joined{conn: conn, rd: bufio.NewReader(conn)}
	}
	stop := context.AfterFunc(ctx, func() { _ = jc.conn.Close() })
	defer stop()
	id := p.nextID()
	if err := proto.Write(jc.conn, proto.TagJoin, proto.Join{Key: p.key}, id); err != nil {
		_ = jc.conn.Close()
		return nil, false, fmt.Errorf("send JOIN_COULOIR: %w", err)
	}
	var ack proto.Ack
	if err := p.readAck(jc.rd, id, &ack.Error, &ack); err != nil {
		_ = jc.conn.Close()
		if ack.Error != "" {
			p.fail(err) // relay refused the key: restart required
			return nil, true, err
		}
		return nil, false, err
	}
	return jc, false, nil
}

// connect dials the relay with exponential backoff and jitter until it
// succeeds or ctx ends.
func (p *Pool) connect(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 15 * time.Second, Jitter: true}
	for {
		conn, err := p.dialRelay(ctx)
		if err == nil {
			return conn, nil
		}
		d := b.Duration()
		obs.Warn("relay.dial", obs.Fields{"err": err.Error(), "retry_in": d.String()})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
	}
}

// member is one pool slot: a joined idle socket that waits for STREAM, asks
// for its own replacement, proxies one request to the local server and exits.
func (p *Pool) member(ctx context.Context, pre *joined) {
	jc := pre
	for {
		if jc == nil {
			var fatal bool
			var err error
			jc, fatal, err = p.join(ctx, nil)
			if err != nil {
				if fatal || ctx.Err() != nil {
					return
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue // transport hiccup mid-join
				}
			}
		}
		stop := context.AfterFunc(ctx, func() { _ = jc.conn.Close() })
		err := p.waitStream(jc)
		stop()
		if err == nil {
			break
		}
		_ = jc.conn.Close()
		jc = nil
		if ctx.Err() != nil {
			return
		}
		obs.Debug("member.rejoin", obs.Fields{"err": err.Error()})
	}

	select {
	case p.refill <- struct{}{}:
	default:
	}
	p.stream(ctx, jc)
}

// waitStream blocks until the relay promotes the socket with STREAM.
func (p *Pool) waitStream(jc *joined) error {
	msg, err := proto.ReadMessage(jc.rd)
	if err != nil {
		return err
	}
	if msg.Tag != proto.TagStream {
		return fmt.Errorf("expected STREAM, got %s", msg.Tag)
	}
	return nil
}

// stream pipes the promoted socket to a freshly dialed local server. A local
// dial failure answers 502 through the relay and leaves the pool running.
func (p *Pool) stream(ctx context.Context, jc *joined) {
	local, err := p.dialLocal()
	if err != nil {
		obs.Error("local.dial", obs.Fields{"err": err.Error()})
		_, _ = jc.conn.Write(badGateway)
		_ = jc.conn.Close()
		return
	}
	stop := context.AfterFunc(ctx, func() {
		_ = jc.conn.Close()
		_ = local.Close()
	})
	defer stop()

	if p.cfg.OverrideHost != "" {
		head, _, trailing, err := httpx.ReadHead(jc.rd, maxHeadBytes)
		if err != nil {
			obs.Error("request.head", obs.Fields{"err": err.Error()})
			_ = jc.conn.Close()
			_ = local.Close()
			return
		}
		head.ReplaceHost(p.cfg.OverrideHost)
		if _, err := head.WriteTo(local); err != nil {
			_ = jc.conn.Close()
			_ = local.Close()
			return
		}
		if len(trailing) > 0 {
			if _, err := local.Write(trailing); err != nil {
				_ = jc.conn.Close()
				_ = local.Close()
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, jc.rd)
		closeWrite(local)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(jc.conn, local)
		closeWrite(jc.conn)
	}()
	wg.Wait()
	_ = local.Close()
	_ = jc.conn.Close()
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
